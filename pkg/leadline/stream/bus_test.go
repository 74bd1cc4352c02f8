package stream

import (
	"testing"
)

func TestEmitFanOut(t *testing.T) {
	bus := NewBus()

	var got []Event
	unsub := bus.Subscribe(func(e Event) { got = append(got, e) })
	defer unsub()

	bus.EmitStatus("t1", "connected", "")
	bus.EmitQR("t1", "qr-data")

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("expected seq 1,2 got %d,%d", got[0].Seq, got[1].Seq)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp must be filled in")
	}
}

func TestSubscribeTenantFilters(t *testing.T) {
	bus := NewBus()

	var got []Event
	unsub := bus.SubscribeTenant("t1", func(e Event) { got = append(got, e) })
	defer unsub()

	bus.EmitStatus("t1", "qr", "")
	bus.EmitStatus("t2", "connected", "")
	bus.EmitStatus("t1", "connected", "")

	if len(got) != 2 {
		t.Fatalf("expected 2 events for t1, got %d", len(got))
	}
	for _, e := range got {
		if e.Tenant != "t1" {
			t.Errorf("leaked event for tenant %s", e.Tenant)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	unsub := bus.Subscribe(func(Event) { count++ })

	bus.EmitStatus("t1", "qr", "")
	unsub()
	bus.EmitStatus("t1", "connected", "")

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestLastReplaysStatusOnly(t *testing.T) {
	bus := NewBus()

	if _, ok := bus.Last("t1"); ok {
		t.Error("empty bus must have no last event")
	}

	bus.EmitStatus("t1", "qr", "")
	bus.EmitQR("t1", "qr-data")

	last, ok := bus.Last("t1")
	if !ok {
		t.Fatal("expected a last event")
	}
	if last.Type != TypeStatus || last.Status != "qr" {
		t.Errorf("QR events must not overwrite last status, got %+v", last)
	}

	bus.EmitStatus("t1", "connected", "")
	if last, _ = bus.Last("t1"); last.Status != "connected" {
		t.Errorf("newer status must win the replay slot, got %+v", last)
	}
}

func TestPerTenantSequences(t *testing.T) {
	bus := NewBus()

	var seqs = map[string][]int64{}
	unsub := bus.Subscribe(func(e Event) { seqs[e.Tenant] = append(seqs[e.Tenant], e.Seq) })
	defer unsub()

	bus.EmitStatus("t1", "qr", "")
	bus.EmitStatus("t2", "qr", "")
	bus.EmitStatus("t1", "connected", "")

	if seqs["t1"][0] != 1 || seqs["t1"][1] != 2 {
		t.Errorf("t1 sequence wrong: %v", seqs["t1"])
	}
	if seqs["t2"][0] != 1 {
		t.Errorf("t2 must have its own counter: %v", seqs["t2"])
	}
}
