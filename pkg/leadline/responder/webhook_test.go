package responder

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func newWebhook(t *testing.T, url string) *Webhook {
	t.Helper()
	w, err := NewWebhook(Config{Provider: ProviderWebhook, WebhookURL: url},
		slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatalf("NewWebhook failed: %v", err)
	}
	return w
}

func TestWebhookRespond(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.TenantID != "t1" || len(req.Messages) != 1 {
			t.Errorf("unexpected request payload: %+v", req)
		}
		json.NewEncoder(rw).Encode(webhookResponse{Reply: "Hello from flow"})
	}))
	defer srv.Close()

	w := newWebhook(t, srv.URL)
	reply, err := w.Respond(context.Background(), &Request{
		TenantID:     "t1",
		SystemPrompt: "Be nice.",
		Messages:     []ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply.Text != "Hello from flow" {
		t.Errorf("Text = %q, want %q", reply.Text, "Hello from flow")
	}
}

func TestWebhookToolCalls(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(webhookResponse{
			Reply: "Here are the free slots:",
			ToolCalls: []ToolCall{
				{Name: "calendar_availability", Arguments: `{"day":"tomorrow"}`, Result: "10:00, 14:30"},
			},
		})
	}))
	defer srv.Close()

	w := newWebhook(t, srv.URL)
	reply, err := w.Respond(context.Background(), &Request{
		TenantID: "t1",
		Messages: []ChatMessage{{Role: "user", Content: "When can I come by?"}},
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if len(reply.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(reply.ToolCalls))
	}
	if reply.ToolCalls[0].Result != "10:00, 14:30" {
		t.Errorf("Result = %q, want %q", reply.ToolCalls[0].Result, "10:00, 14:30")
	}
}

func TestWebhookSilence(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := newWebhook(t, srv.URL)
	reply, err := w.Respond(context.Background(), &Request{
		TenantID: "t1",
		Messages: []ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply.Text != "" {
		t.Errorf("204 must mean silence, got %q", reply.Text)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "flow crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := newWebhook(t, srv.URL)
	_, err := w.Respond(context.Background(), &Request{
		TenantID: "t1",
		Messages: []ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Provider: "bogus"}, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
