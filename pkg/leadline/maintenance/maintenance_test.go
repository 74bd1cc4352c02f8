package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

func TestRunPurge(t *testing.T) {
	db := openTestDB(t)
	lead := seedLead(t, db)

	old := time.Now().Add(-120 * 24 * time.Hour)
	for i := 0; i < 2; i++ {
		insertMessageAt(t, db, lead.ID, old.Add(time.Duration(i)*time.Minute))
	}
	insertMessageAt(t, db, lead.ID, time.Now())

	t.Run("removes rows past retention", func(t *testing.T) {
		r := New(DefaultConfig(), db, &fakeStatusReader{}, testLogger())
		purged, err := r.RunPurge(context.Background())
		if err != nil {
			t.Fatalf("RunPurge failed: %v", err)
		}
		if purged != 2 {
			t.Errorf("purged = %d, want 2", purged)
		}
		if got := messageTotal(t, db); got != 1 {
			t.Errorf("remaining messages = %d, want 1", got)
		}
	})

	t.Run("zero retention keeps everything", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Retention = 0
		r := New(cfg, db, &fakeStatusReader{}, testLogger())
		purged, err := r.RunPurge(context.Background())
		if err != nil {
			t.Fatalf("RunPurge failed: %v", err)
		}
		if purged != 0 {
			t.Errorf("purged = %d, want 0", purged)
		}
	})
}

func TestRunAudit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	for _, id := range []string{"t2", "t3"} {
		if err := db.UpsertTenant(ctx, &storage.Tenant{ID: id, Name: id}); err != nil {
			t.Fatalf("UpsertTenant(%s) failed: %v", id, err)
		}
	}
	for id, status := range map[string]storage.TenantStatus{
		"t1": storage.TenantConnected,
		"t2": storage.TenantDisconnected,
		"t3": storage.TenantConnected,
	} {
		if err := db.SetTenantStatus(ctx, id, status); err != nil {
			t.Fatalf("SetTenantStatus(%s) failed: %v", id, err)
		}
	}

	reader := &fakeStatusReader{infos: map[string]*session.StatusInfo{
		// t1 is persisted connected but the socket is gone.
		"t1": {TenantID: "t1", Status: storage.TenantDisconnected, Live: false},
		// t2 has a live socket the persisted status never caught up with.
		"t2": {TenantID: "t2", Status: storage.TenantConnected, Live: true},
		// t3 is healthy.
		"t3": {TenantID: "t3", Status: storage.TenantConnected, Live: true},
	}}

	r := New(DefaultConfig(), db, reader, testLogger())
	drift, err := r.RunAudit(ctx)
	if err != nil {
		t.Fatalf("RunAudit failed: %v", err)
	}
	if drift != 2 {
		t.Errorf("drift = %d, want 2", drift)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	db := openTestDB(t)

	cfg := DefaultConfig()
	cfg.PurgeSchedule = "not a cron line"
	r := New(cfg, db, &fakeStatusReader{}, testLogger())
	if err := r.Start(context.Background()); err == nil {
		r.Stop()
		t.Fatal("Start should reject an invalid schedule")
	}
}

// ---------- Helpers ----------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	cfg := storage.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "maintenance.db")
	db, err := storage.Open(cfg, testLogger())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.UpsertTenant(context.Background(), &storage.Tenant{ID: "t1", Name: "Acme"})
	if err != nil {
		t.Fatalf("UpsertTenant failed: %v", err)
	}
	return db
}

func seedLead(t *testing.T, db *storage.DB) *storage.Lead {
	t.Helper()
	lead := &storage.Lead{TenantID: "t1", Address: "5511988887777@s.whatsapp.net"}
	if err := db.CreateLead(context.Background(), lead); err != nil {
		t.Fatalf("CreateLead failed: %v", err)
	}
	return lead
}

func insertMessageAt(t *testing.T, db *storage.DB, leadID string, at time.Time) {
	t.Helper()
	err := db.InsertMessage(context.Background(), &storage.Message{
		TenantID:  "t1",
		LeadID:    leadID,
		Role:      storage.RoleUser,
		Content:   "hello",
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
}

func messageTotal(t *testing.T, db *storage.DB) int64 {
	t.Helper()
	_, _, messages, err := db.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	return messages
}

// fakeStatusReader serves scripted session views.
type fakeStatusReader struct {
	infos map[string]*session.StatusInfo
}

func (f *fakeStatusReader) Status(tenantID string) *session.StatusInfo {
	if info, ok := f.infos[tenantID]; ok {
		return info
	}
	return &session.StatusInfo{TenantID: tenantID, Status: storage.TenantNotStarted}
}
