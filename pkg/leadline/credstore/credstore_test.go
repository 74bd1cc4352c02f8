package credstore

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"go.mau.fi/whatsmeow/types"

	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := storage.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(cfg, logger)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.UpsertTenant(context.Background(), &storage.Tenant{ID: "t1", Name: "Test"})
	if err != nil {
		t.Fatalf("UpsertTenant failed: %v", err)
	}

	cs, err := Open(context.Background(), db, logger)
	if err != nil {
		t.Fatalf("credstore.Open failed: %v", err)
	}
	return cs
}

func TestCredentialRoundTrip(t *testing.T) {
	cs := openTestStore(t)
	ctx := context.Background()

	if err := cs.Set(ctx, "t1", "noise_key", []byte("secret")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cs.Set(ctx, "t1", "registration", []byte("reg1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	creds, err := cs.Map(ctx, "t1")
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if !bytes.Equal(creds["noise_key"], []byte("secret")) {
		t.Errorf("unexpected value %q", creds["noise_key"])
	}

	// Overwrite keeps a single row per key.
	if err := cs.Set(ctx, "t1", "noise_key", []byte("rotated")); err != nil {
		t.Fatalf("Set overwrite failed: %v", err)
	}
	creds, _ = cs.Map(ctx, "t1")
	if !bytes.Equal(creds["noise_key"], []byte("rotated")) {
		t.Errorf("expected rotated value, got %q", creds["noise_key"])
	}
}

func TestSetNilDeletes(t *testing.T) {
	cs := openTestStore(t)
	ctx := context.Background()

	if err := cs.Set(ctx, "t1", "noise_key", []byte("secret")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cs.Set(ctx, "t1", "noise_key", nil); err != nil {
		t.Fatalf("Set nil failed: %v", err)
	}

	creds, err := cs.Map(ctx, "t1")
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, ok := creds["noise_key"]; ok {
		t.Error("nil value must delete the key")
	}
}

func TestDeleteAll(t *testing.T) {
	cs := openTestStore(t)
	ctx := context.Background()

	_ = cs.Set(ctx, "t1", "noise_key", []byte("a"))
	_ = cs.Set(ctx, "t1", "registration", []byte("b"))

	if err := cs.DeleteAll(ctx, "t1"); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	creds, err := cs.Map(ctx, "t1")
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if len(creds) != 0 {
		t.Errorf("expected empty map after DeleteAll, got %d entries", len(creds))
	}
}

func TestDeviceLifecycle(t *testing.T) {
	cs := openTestStore(t)
	ctx := context.Background()

	t.Run("unpaired tenant gets blank device", func(t *testing.T) {
		device, err := cs.Device(ctx, "t1")
		if err != nil {
			t.Fatalf("Device failed: %v", err)
		}
		if device == nil {
			t.Fatal("expected a device")
		}
		if device.ID != nil {
			t.Errorf("blank device must have nil ID, got %v", device.ID)
		}
		registered, err := cs.HasCredentials(ctx, "t1")
		if err != nil {
			t.Fatalf("HasCredentials failed: %v", err)
		}
		if registered {
			t.Error("unpaired tenant must not report credentials")
		}
	})

	t.Run("binding survives round trip", func(t *testing.T) {
		jid := types.NewJID("5511999990000", types.DefaultUserServer)
		if err := cs.BindDevice(ctx, "t1", jid); err != nil {
			t.Fatalf("BindDevice failed: %v", err)
		}
		creds, _ := cs.Map(ctx, "t1")
		if string(creds[deviceJIDKey]) != jid.String() {
			t.Errorf("expected binding %s, got %q", jid, creds[deviceJIDKey])
		}
	})

	t.Run("stale binding falls back to blank device", func(t *testing.T) {
		// Binding points at a JID with no container row behind it.
		device, err := cs.Device(ctx, "t1")
		if err != nil {
			t.Fatalf("Device failed: %v", err)
		}
		if device.ID != nil {
			t.Errorf("expected blank device for stale binding, got %v", device.ID)
		}
	})
}
