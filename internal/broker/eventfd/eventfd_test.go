package eventfd

import "testing"

func TestRingAndDrain(t *testing.T) {
	ev, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ev.Close()

	delivered, err := ev.Ring(1)
	if err != nil {
		t.Fatalf("Ring: %v", err)
	}
	if !delivered {
		t.Fatal("Ring reported not delivered")
	}

	fired, val, err := ev.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !fired || val != 1 {
		t.Fatalf("Drain = (%v, %d), want (true, 1)", fired, val)
	}
}

func TestDrainWithNothingPendingReturnsNotFired(t *testing.T) {
	ev, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ev.Close()

	fired, _, err := ev.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if fired {
		t.Fatal("Drain reported fired with nothing pending")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ev, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ev.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ev.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMultipleRingsAccumulateCounter(t *testing.T) {
	ev, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ev.Close()

	for i := 0; i < 3; i++ {
		if _, err := ev.Ring(1); err != nil {
			t.Fatalf("Ring: %v", err)
		}
	}
	fired, val, err := ev.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !fired || val != 3 {
		t.Fatalf("Drain = (%v, %d), want (true, 3)", fired, val)
	}
}
