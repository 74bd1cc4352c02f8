package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/leadline/pkg/leadline/pending"
	"github.com/jholhewres/leadline/pkg/leadline/responder"
	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

const (
	testTenant = "t1"
	testPrompt = "You are the sales assistant for Acme."
	leadPhone  = "5511988887777@s.whatsapp.net"
)

// fakeResponder records requests and returns a canned reply.
type fakeResponder struct {
	mu       sync.Mutex
	requests []*responder.Request
	reply    *responder.Reply
	err      error
}

func (f *fakeResponder) Respond(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.reply == nil {
		return &responder.Reply{}, nil
	}
	return f.reply, nil
}

func (f *fakeResponder) Name() string { return "fake" }

func (f *fakeResponder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeResponder) lastRequest() *responder.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

type sentMessage struct {
	tenantID string
	to       string
	text     string
}

// fakeSender records deliveries and hands out delivery ids.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	err     error
	counter int
}

func (f *fakeSender) Send(ctx context.Context, tenantID, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.counter++
	f.sent = append(f.sent, sentMessage{tenantID, to, text})
	return fmt.Sprintf("3EB0FAKE%06d", f.counter), nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type pipelineEnv struct {
	pipeline *Pipeline
	db       *storage.DB
	pending  *pending.Set
	resp     *fakeResponder
	sender   *fakeSender
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := storage.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "pipeline.db")
	db, err := storage.Open(cfg, logger)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.UpsertTenant(context.Background(), &storage.Tenant{
		ID:           testTenant,
		Name:         "Acme",
		SystemPrompt: testPrompt,
	})
	if err != nil {
		t.Fatalf("UpsertTenant failed: %v", err)
	}

	env := &pipelineEnv{
		db:      db,
		pending: pending.NewSet(time.Minute, logger),
		resp:    &fakeResponder{reply: &responder.Reply{Text: "Hello! How can I help?"}},
		sender:  &fakeSender{},
	}

	pcfg := DefaultConfig()
	pcfg.Batch.FlushInterval = time.Hour
	env.pipeline = New(pcfg, db, env.resp, env.sender, env.pending, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.pipeline.Start(ctx)
	return env
}

func inbound(id, address, text string) session.InboundEvent {
	return session.InboundEvent{
		TenantID:      testTenant,
		MessageID:     id,
		ChatAddress:   address,
		SenderAddress: address,
		RawSender:     address,
		PushName:      "Ana",
		Timestamp:     time.Now(),
		Message:       &waE2E.Message{Conversation: proto.String(text)},
	}
}

func fromOperator(id, chat, text string) session.InboundEvent {
	return session.InboundEvent{
		TenantID:      testTenant,
		MessageID:     id,
		ChatAddress:   chat,
		SenderAddress: chat,
		FromMe:        true,
		Timestamp:     time.Now(),
		Message:       &waE2E.Message{Conversation: proto.String(text)},
	}
}

func (e *pipelineEnv) messageTotal(t *testing.T) int64 {
	t.Helper()
	_, _, messages, err := e.db.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	return messages
}

func TestGreetingFlow(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	env.pipeline.process(inbound("WA001", leadPhone, "Hi"))

	lead, err := env.db.LeadByAddress(ctx, testTenant, leadPhone)
	if err != nil {
		t.Fatalf("lead was not created: %v", err)
	}
	if lead.Name != "Ana" {
		t.Errorf("lead name = %q, want Ana", lead.Name)
	}
	if lead.Status != storage.LeadContacted {
		t.Errorf("first reply must advance lead to contacted, got %s", lead.Status)
	}
	if lead.Automation != storage.AutomationActive {
		t.Errorf("automation must stay active, got %s", lead.Automation)
	}

	if env.resp.calls() != 1 {
		t.Fatalf("responder calls = %d, want 1", env.resp.calls())
	}
	req := env.resp.lastRequest()
	if req.SystemPrompt != testPrompt {
		t.Errorf("system prompt = %q, want tenant prompt", req.SystemPrompt)
	}
	if n := len(req.Messages); n == 0 || req.Messages[n-1].Content != "Hi" {
		t.Errorf("responder must see the new message last, got %+v", req.Messages)
	}

	if env.sender.calls() != 1 {
		t.Fatalf("sender calls = %d, want 1", env.sender.calls())
	}
	delivery := env.sender.last()
	if delivery.to != leadPhone || delivery.text != "Hello! How can I help?" {
		t.Errorf("unexpected delivery %+v", delivery)
	}

	stored, err := env.db.RecentMessages(ctx, lead.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d messages, want user + assistant", len(stored))
	}
	if stored[0].Role != storage.RoleUser || stored[1].Role != storage.RoleAssistant {
		t.Errorf("unexpected roles %s, %s", stored[0].Role, stored[1].Role)
	}
	if stored[1].ExternalID == "" {
		t.Error("assistant message must carry its delivery id")
	}
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	env := newPipelineEnv(t)

	env.pipeline.process(inbound("WA001", leadPhone, "Hi"))
	env.pipeline.process(inbound("WA001", leadPhone, "Hi"))

	if got := env.messageTotal(t); got != 2 {
		t.Errorf("message rows = %d, want 2 (one user, one assistant)", got)
	}
	if env.resp.calls() != 1 {
		t.Errorf("responder calls = %d, duplicate must not answer twice", env.resp.calls())
	}
}

func TestOperatorTakeover(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	// Lead writes, bot answers.
	env.pipeline.process(inbound("WA001", leadPhone, "Hi"))

	// Operator answers from the paired phone: unknown delivery id.
	env.pipeline.process(fromOperator("WAOP1", leadPhone, "Hi, Joe here, I'll take it from now on"))

	lead, err := env.db.LeadByAddress(ctx, testTenant, leadPhone)
	if err != nil {
		t.Fatalf("LeadByAddress failed: %v", err)
	}
	if lead.Automation != storage.AutomationPaused {
		t.Fatalf("operator message must pause automation, got %s", lead.Automation)
	}

	// The lead writes again: stored, but the bot stays quiet.
	env.pipeline.process(inbound("WA002", leadPhone, "Great, thanks Joe"))

	if env.resp.calls() != 1 {
		t.Errorf("responder calls = %d, want 1 (paused lead must not be answered)", env.resp.calls())
	}

	stored, err := env.db.RecentMessages(ctx, lead.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("stored %d messages, want 4 (user, bot, operator, user)", len(stored))
	}
	if stored[2].Role != storage.RoleAssistant || stored[2].ExternalID != "WAOP1" {
		t.Errorf("operator message stored wrong: %+v", stored[2])
	}

	// Pause is sticky across further operator messages.
	env.pipeline.process(fromOperator("WAOP2", leadPhone, "following up"))
	lead, _ = env.db.LeadByAddress(ctx, testTenant, leadPhone)
	if lead.Automation != storage.AutomationPaused {
		t.Errorf("automation flipped back unexpectedly: %s", lead.Automation)
	}
}

func TestOwnEchoSuppression(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	env.pipeline.process(inbound("WA001", leadPhone, "Hi"))
	before := env.messageTotal(t)

	t.Run("registered delivery id is consumed silently", func(t *testing.T) {
		env.pending.Register("3EB0OUT001")
		env.pipeline.process(fromOperator("3EB0OUT001", leadPhone, "Hello! How can I help?"))

		if got := env.messageTotal(t); got != before {
			t.Errorf("echo must not store a row, rows %d -> %d", before, got)
		}
		lead, _ := env.db.LeadByAddress(ctx, testTenant, leadPhone)
		if lead.Automation != storage.AutomationActive {
			t.Errorf("echo must not pause automation, got %s", lead.Automation)
		}
		if env.pending.Consume("3EB0OUT001") {
			t.Error("delivery id must be consumed exactly once")
		}
	})

	t.Run("late echo of a stored reply is recognized", func(t *testing.T) {
		// The reply row exists with its delivery id, but the pending
		// claim has long expired.
		lead, _ := env.db.LeadByAddress(ctx, testTenant, leadPhone)
		err := env.db.InsertMessage(ctx, &storage.Message{
			TenantID:   testTenant,
			LeadID:     lead.ID,
			Role:       storage.RoleAssistant,
			Content:    "stored reply",
			ExternalID: "3EB0LATE01",
		})
		if err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
		count := env.messageTotal(t)

		env.pipeline.process(fromOperator("3EB0LATE01", leadPhone, "stored reply"))

		if got := env.messageTotal(t); got != count {
			t.Errorf("late echo must not store a row, rows %d -> %d", count, got)
		}
		lead, _ = env.db.LeadByAddress(ctx, testTenant, leadPhone)
		if lead.Automation != storage.AutomationActive {
			t.Errorf("late echo must not pause automation, got %s", lead.Automation)
		}
	})
}

func TestStaleMessagesGoToHistory(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	evt := inbound("WAOLD1", leadPhone, "message from two days ago")
	evt.Timestamp = time.Now().Add(-48 * time.Hour)
	env.pipeline.process(evt)

	if env.resp.calls() != 0 {
		t.Errorf("stale message must not wake the responder, calls = %d", env.resp.calls())
	}
	if got := env.messageTotal(t); got != 0 {
		t.Errorf("stale message must not be written directly, rows = %d", got)
	}
	if env.pipeline.batcher.Len() != 1 {
		t.Fatalf("batcher buffered %d, want 1", env.pipeline.batcher.Len())
	}

	// The lead itself exists right away; only the row write is deferred.
	lead, err := env.db.LeadByAddress(ctx, testTenant, leadPhone)
	if err != nil {
		t.Fatalf("stale path must still create the lead: %v", err)
	}

	if _, err := env.pipeline.batcher.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	stored, err := env.db.RecentMessages(ctx, lead.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(stored) != 1 || stored[0].Content != "message from two days ago" {
		t.Errorf("flushed history wrong: %+v", stored)
	}
	if age := time.Since(stored[0].CreatedAt); age < 47*time.Hour {
		t.Errorf("stored timestamp must keep the original event time, age = %s", age)
	}
}

func TestPausedLeadStoresWithoutReply(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	env.pipeline.process(inbound("WA001", leadPhone, "Hi"))
	lead, _ := env.db.LeadByAddress(ctx, testTenant, leadPhone)
	if err := env.db.SetLeadAutomation(ctx, lead.ID, storage.AutomationPaused); err != nil {
		t.Fatalf("SetLeadAutomation failed: %v", err)
	}
	env.pipeline.DropCachedLead(testTenant, leadPhone)

	env.pipeline.process(inbound("WA002", leadPhone, "are you there?"))

	if env.resp.calls() != 1 {
		t.Errorf("paused lead must not get replies, calls = %d", env.resp.calls())
	}
	stored, _ := env.db.RecentMessages(ctx, lead.ID, 10)
	if len(stored) != 3 {
		t.Errorf("stored %d messages, want 3", len(stored))
	}
}

func TestResponderFailuresKeepTheMessage(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	t.Run("generation error", func(t *testing.T) {
		env.resp.err = errors.New("model unavailable")
		env.pipeline.process(inbound("WA001", leadPhone, "Hi"))

		if env.sender.calls() != 0 {
			t.Error("failed generation must not send")
		}
		lead, err := env.db.LeadByAddress(ctx, testTenant, leadPhone)
		if err != nil {
			t.Fatalf("LeadByAddress failed: %v", err)
		}
		if got := env.messageTotal(t); got != 1 {
			t.Errorf("user message must survive a responder error, rows = %d", got)
		}
		if lead.Status != storage.LeadNew {
			t.Errorf("no reply delivered, lead must stay new, got %s", lead.Status)
		}
	})

	t.Run("empty reply means silence", func(t *testing.T) {
		env.resp.err = nil
		env.resp.reply = &responder.Reply{}
		env.pipeline.process(inbound("WA002", leadPhone, "Hello?"))

		if env.sender.calls() != 0 {
			t.Error("empty reply must not send")
		}
	})

	t.Run("delivery error keeps lead new", func(t *testing.T) {
		env.resp.reply = &responder.Reply{Text: "Hi there"}
		env.sender.err = errors.New("not connected")
		env.pipeline.process(inbound("WA003", leadPhone, "Ping"))

		lead, _ := env.db.LeadByAddress(ctx, testTenant, leadPhone)
		if lead.Status != storage.LeadNew {
			t.Errorf("undelivered reply must not advance the lead, got %s", lead.Status)
		}
	})
}

func TestToolResultFoldedIntoReply(t *testing.T) {
	env := newPipelineEnv(t)
	env.resp.reply = &responder.Reply{
		ToolCalls: []responder.ToolCall{
			{Name: "calendar_availability", Result: "Tomorrow 10:00 or 14:30"},
		},
	}

	env.pipeline.process(inbound("WA001", leadPhone, "When can I come by?"))

	if env.sender.calls() != 1 {
		t.Fatalf("sender calls = %d, want 1 (tool-only reply must still send)", env.sender.calls())
	}
	if got := env.sender.last().text; got != "Tomorrow 10:00 or 14:30" {
		t.Errorf("delivered %q, want the folded tool result", got)
	}
}

func TestFoldToolResults(t *testing.T) {
	cases := []struct {
		name  string
		reply *responder.Reply
		want  string
	}{
		{"text only", &responder.Reply{Text: "Sure!"}, "Sure!"},
		{"tool result only", &responder.Reply{
			ToolCalls: []responder.ToolCall{{Name: "calendar_availability", Result: "10:00, 14:30"}},
		}, "10:00, 14:30"},
		{"text plus tool result", &responder.Reply{
			Text:      "Here are the free slots:",
			ToolCalls: []responder.ToolCall{{Name: "calendar_availability", Result: "10:00, 14:30"}},
		}, "Here are the free slots:\n\n10:00, 14:30"},
		{"empty result ignored", &responder.Reply{
			Text:      "Done.",
			ToolCalls: []responder.ToolCall{{Name: "noop"}},
		}, "Done."},
		{"nothing", &responder.Reply{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := foldToolResults(tc.reply); got != tc.want {
				t.Errorf("foldToolResults = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRotatingAddressHealing(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	// Lead was first seen under its anonymized id.
	anon := "123456789@lid"
	seeded := &storage.Lead{TenantID: testTenant, Address: anon}
	if err := env.db.CreateLead(ctx, seeded); err != nil {
		t.Fatalf("CreateLead failed: %v", err)
	}

	evt := inbound("WA001", leadPhone, "Hi again")
	evt.RawSender = anon
	env.pipeline.process(evt)

	healed, err := env.db.LeadByAddress(ctx, testTenant, anon)
	if err != nil {
		t.Fatalf("LeadByAddress failed: %v", err)
	}
	if healed.RealAddress != leadPhone {
		t.Errorf("real address = %q, want %q", healed.RealAddress, leadPhone)
	}
	if _, err := env.db.LeadByAddress(ctx, testTenant, leadPhone); err != storage.ErrNotFound {
		t.Errorf("resolved address must not create a second lead, err = %v", err)
	}

	stored, _ := env.db.RecentMessages(ctx, healed.ID, 10)
	if len(stored) == 0 {
		t.Error("message must land on the healed lead")
	}
}

func TestUnsupportedInboundKindsAreSkipped(t *testing.T) {
	env := newPipelineEnv(t)

	evt := inbound("WA001", leadPhone, "")
	evt.Message = &waE2E.Message{}
	env.pipeline.process(evt)

	if got := env.messageTotal(t); got != 0 {
		t.Errorf("unsupported kind must not store rows, got %d", got)
	}
	if env.resp.calls() != 0 {
		t.Error("unsupported kind must not wake the responder")
	}
}

func TestOperatorTakeoverWithoutText(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	env.pipeline.process(inbound("WA001", leadPhone, "Hi"))

	// Operator sends a sticker: nothing storable, but the human is in
	// the conversation now.
	evt := fromOperator("WAOP1", leadPhone, "")
	evt.Message = &waE2E.Message{}
	env.pipeline.process(evt)

	lead, _ := env.db.LeadByAddress(ctx, testTenant, leadPhone)
	if lead.Automation != storage.AutomationPaused {
		t.Errorf("takeover must pause even without storable content, got %s", lead.Automation)
	}
}

func TestDispatchThroughWorker(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	env.pipeline.Dispatch(inbound("WA001", leadPhone, "Hi"))

	deadline := time.After(2 * time.Second)
	for {
		exists, err := env.db.MessageExists(ctx, testTenant, "WA001")
		if err != nil {
			t.Fatalf("MessageExists failed: %v", err)
		}
		if exists {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never processed the event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	env.pipeline.mu.Lock()
	queues := len(env.pipeline.queues)
	env.pipeline.mu.Unlock()
	if queues != 1 {
		t.Errorf("expected one tenant queue, got %d", queues)
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	env := newPipelineEnv(t)

	base := time.Date(2024, 3, 15, 8, 30, 0, 0, time.UTC)
	items := []ImportItem{
		{Address: leadPhone, Role: "user", Content: "old question", Timestamp: base.Unix(), ExternalID: "IMP1"},
		{Address: leadPhone, Role: "assistant", Content: "old answer", Timestamp: base.Add(time.Minute).UnixMilli(), ExternalID: "IMP2"},
		{Address: leadPhone, Role: "user", Content: "old followup", Timestamp: base.Add(2 * time.Minute).UnixMicro(), ExternalID: "IMP3"},
		{Address: leadPhone, Role: "operator", Content: "bad role", Timestamp: base.Unix()},
		{Address: "", Role: "user", Content: "no address", Timestamp: base.Unix()},
	}

	queued, err := env.pipeline.Import(ctx, testTenant, items)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if queued != 3 {
		t.Errorf("Import queued %d, want 3", queued)
	}

	if _, err := env.pipeline.batcher.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	lead, err := env.db.LeadByAddress(ctx, testTenant, leadPhone)
	if err != nil {
		t.Fatalf("import must create the lead: %v", err)
	}
	stored, err := env.db.RecentMessages(ctx, lead.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d rows, want 3", len(stored))
	}
	for i, want := range []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)} {
		if got := stored[i].CreatedAt; got.Unix() != want.Unix() {
			t.Errorf("row %d timestamp = %v, want %v", i, got, want)
		}
	}

	t.Run("unknown tenant", func(t *testing.T) {
		if _, err := env.pipeline.Import(ctx, "ghost", items); err == nil {
			t.Error("expected error for unknown tenant")
		}
	})
}

func TestBuildChatHistory(t *testing.T) {
	stored := []storage.Message{
		{Role: storage.RoleSystem, Content: "internal note"},
		{Role: storage.RoleUser, Content: "Hi"},
		{Role: storage.RoleAssistant, Content: "Hello!"},
		{Role: storage.RoleUser, Content: "", Type: storage.TypeAudio},
		{Role: storage.RoleUser, Content: ""},
	}

	got := buildChatHistory(stored)
	want := []responder.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: voicePlaceholder},
	}
	if len(got) != len(want) {
		t.Fatalf("buildChatHistory returned %d turns, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestExtractContent(t *testing.T) {
	t.Run("conversation text", func(t *testing.T) {
		text, kind, ok := extractContent(&waE2E.Message{Conversation: proto.String("Hi")})
		if !ok || text != "Hi" || kind != storage.TypeText {
			t.Errorf("got %q, %s, %v", text, kind, ok)
		}
	})

	t.Run("extended text", func(t *testing.T) {
		msg := &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked text")},
		}
		text, kind, ok := extractContent(msg)
		if !ok || text != "linked text" || kind != storage.TypeText {
			t.Errorf("got %q, %s, %v", text, kind, ok)
		}
	})

	t.Run("audio note", func(t *testing.T) {
		msg := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}
		text, kind, ok := extractContent(msg)
		if !ok || text != "" || kind != storage.TypeAudio {
			t.Errorf("got %q, %s, %v", text, kind, ok)
		}
	})

	t.Run("image caption", func(t *testing.T) {
		msg := &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look at this")},
		}
		text, kind, ok := extractContent(msg)
		if !ok || text != "look at this" || kind != storage.TypeText {
			t.Errorf("got %q, %s, %v", text, kind, ok)
		}
	})

	t.Run("ephemeral wrapper", func(t *testing.T) {
		msg := &waE2E.Message{
			EphemeralMessage: &waE2E.FutureProofMessage{
				Message: &waE2E.Message{Conversation: proto.String("disappearing")},
			},
		}
		text, _, ok := extractContent(msg)
		if !ok || text != "disappearing" {
			t.Errorf("got %q, %v", text, ok)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if _, _, ok := extractContent(&waE2E.Message{}); ok {
			t.Error("empty message must not extract")
		}
		if _, _, ok := extractContent(nil); ok {
			t.Error("nil message must not extract")
		}
	})
}
