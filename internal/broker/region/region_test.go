package region

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func openTestRegion(t *testing.T) *Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailbox")
	r, err := OpenOrCreate(path)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestLayoutIsExactSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox")
	r, err := OpenOrCreate(path)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	defer r.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got, want := info.Size(), int64(MaxSlots*SlotSize); got != want {
		t.Fatalf("backing file size = %d, want %d", got, want)
	}
}

func TestInstallGlobalsHeader(t *testing.T) {
	r := openTestRegion(t)
	nClients := 4
	nEvents := nClients + 2
	serverID := nClients + 1

	if err := r.InstallGlobals(nClients, nEvents, serverID, false); err != nil {
		t.Fatalf("InstallGlobals: %v", err)
	}

	raw, err := os.ReadFile(r.file.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	vals := make([]uint64, 5)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}
	want := []uint64{512, 128, uint64(nClients), uint64(nEvents), uint64(serverID)}
	for i, w := range want {
		if vals[i] != w {
			t.Errorf("globals[%d] = %d, want %d", i, vals[i], w)
		}
	}
}

func TestFillRetrieveRoundTrip(t *testing.T) {
	r := openTestRegion(t)
	if err := r.InstallGlobals(4, 6, 5, false); err != nil {
		t.Fatalf("InstallGlobals: %v", err)
	}

	payload := []byte("hello")
	if err := r.Fill(1, payload, nil); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	got := r.Retrieve(1, true)
	if string(got) != "hello" {
		t.Fatalf("Retrieve = %q, want %q", got, "hello")
	}
	if r.Buflen(1) != 0 {
		t.Fatalf("buflen after clearing Retrieve = %d, want 0", r.Buflen(1))
	}
}

func TestFillRejectsOversizedPayload(t *testing.T) {
	r := openTestRegion(t)
	if err := r.InstallGlobals(4, 6, 5, false); err != nil {
		t.Fatalf("InstallGlobals: %v", err)
	}
	big := make([]byte, MaxPayload+17)
	if err := r.Fill(1, big, nil); err == nil {
		t.Fatal("expected PayloadTooLong error, got nil")
	}
	if r.Buflen(1) != 0 {
		t.Fatalf("slot mutated on rejected fill: buflen=%d", r.Buflen(1))
	}
}

func TestFillStompsAfterBusyPeerDoesNotDrain(t *testing.T) {
	r := openTestRegion(t)
	if err := r.InstallGlobals(4, 6, 5, false); err != nil {
		t.Fatalf("InstallGlobals: %v", err)
	}
	if err := r.Fill(1, []byte("first"), nil); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	// Slot 1 never drained; a second Fill should still stomp rather than
	// hang indefinitely.
	var warned bool
	if err := r.Fill(1, []byte("second"), func(string) { warned = true }); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if !warned {
		t.Fatal("expected stomping warning")
	}
	if got := r.Retrieve(1, true); string(got) != "second" {
		t.Fatalf("Retrieve = %q, want %q", got, "second")
	}
}

func TestClearSlotPreservesPeerID(t *testing.T) {
	r := openTestRegion(t)
	if err := r.InstallGlobals(4, 6, 5, false); err != nil {
		t.Fatalf("InstallGlobals: %v", err)
	}
	r.SetNodename(1, "vm1")
	r.ClearSlot(1)
	base := r.slotBase(1)
	if id := binary.LittleEndian.Uint64(r.mm[base+fieldPeerID : base+fieldPeerID+8]); id != 1 {
		t.Fatalf("peer_id after ClearSlot = %d, want 1", id)
	}
	for i := 0; i < nodenameSize; i++ {
		if r.mm[base+fieldNodename+i] != 0 {
			t.Fatalf("nodename byte %d not cleared", i)
		}
	}
}
