// Package region manages the mailbox: a fixed-layout, file-backed shared
// memory region carved into per-peer slots, used for ivshmem/FAME-Z
// payload exchange between the broker and its peers.
//
// Layout follows spec: slot 0 is the read-only globals header, slots
// 1..nClients are peer mailslots, and slot server_id (== nClients+1) is
// the broker's own mailslot when it participates.
package region

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/zvolchak/FAME-Z/internal/broker/errs"
)

const (
	// SlotSize is the fixed size in bytes of one mailslot, including its
	// metadata prefix.
	SlotSize = 512

	// BufOffset is where the payload buffer begins within a slot.
	BufOffset = 128

	// MaxSlots bounds the mailbox: MaxSlots*SlotSize must be a power of
	// two per the underlying QEMU ivshmem constraint.
	MaxSlots = 16

	// MaxPayload is the largest payload fill() will accept (one byte is
	// reserved for a NUL terminator).
	MaxPayload = SlotSize - BufOffset - 1

	// MaxClients is the largest peer capacity the mailbox layout can
	// support: MaxSlots minus the globals slot and the broker's own slot.
	MaxClients = MaxSlots - 2

	fieldNodename  = 0
	fieldCclass    = 32
	fieldBuflen    = 64
	fieldPeerID    = 72
	fieldLastResp  = 80
	fieldPeerSID   = 88
	fieldPeerCID   = 96
	fieldReserved  = 104
	nodenameSize   = 32
	cclassSize     = 32
	reservedSize   = 24
	fillPollEvery  = 100 * time.Millisecond
	fillPollBudget = 1050 * time.Millisecond
)

// Globals mirrors the five-field header written once at slot 0.
type Globals struct {
	SlotSize int
	BufOffset int
	NClients int
	NEvents  int
	ServerID int
}

// Region is a mapped mailbox file and its parsed globals.
type Region struct {
	file   *os.File
	mm     mmap.MMap
	Globals
}

// OpenOrCreate creates or attaches the backing file at path (resolved
// under /dev/shm if no slash is present), sized for MaxSlots*SlotSize
// bytes, and maps it read-write. The file's group ownership is
// best-effort aligned to a libvirt group; a missing group is not fatal.
func OpenOrCreate(path string) (*Region, error) {
	resolved := resolvePath(path)
	size := int64(MaxSlots * SlotSize)

	info, statErr := os.Stat(resolved)
	switch {
	case os.IsNotExist(statErr):
		f, err := os.OpenFile(resolved, os.O_RDWR|os.O_CREATE, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating %s: %v", errs.ErrConfig, resolved, err)
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: sizing %s: %v", errs.ErrConfig, resolved, err)
		}
		chownBestEffort(f)
		return mapRegion(f)
	case statErr != nil:
		return nil, fmt.Errorf("%w: statting %s: %v", errs.ErrConfig, resolved, statErr)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errs.ErrConfig, resolved)
	}
	if info.Size() < size {
		return nil, fmt.Errorf("%w: %s is %d bytes, need >= %d", errs.ErrConfig, resolved, info.Size(), size)
	}
	if info.Mode().Perm()&0o660 != 0o660 {
		if err := os.Chmod(resolved, 0o660|info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("%w: fixing permissions on %s: %v", errs.ErrConfig, resolved, err)
		}
	}

	f, err := os.OpenFile(resolved, os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", errs.ErrConfig, resolved, err)
	}
	chownBestEffort(f)
	return mapRegion(f)
}

// AttachFD maps a mailbox region from an fd received over SCM_RIGHTS,
// as the client side of the handshake does — it never opens the
// backing file by path, only by the fd the broker handed it.
func AttachFD(fd int) (*Region, error) {
	f := os.NewFile(uintptr(fd), "famez-mailbox")
	if f == nil {
		return nil, fmt.Errorf("%w: invalid mailbox fd %d", errs.ErrConfig, fd)
	}
	return mapRegion(f)
}

func mapRegion(f *os.File) (*Region, error) {
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap: %v", errs.ErrConfig, err)
	}
	return &Region{file: f, mm: m}, nil
}

func resolvePath(path string) string {
	for _, c := range path {
		if c == '/' {
			return path
		}
	}
	return "/dev/shm/" + path
}

// chownBestEffort tries to align the backing file's group to one of the
// libvirt groups QEMU expects. Missing groups are silently ignored.
func chownBestEffort(f *os.File) {
	for _, name := range []string{"libvirt-qemu", "libvirt", "libvirtd"} {
		g, err := user.LookupGroup(name)
		if err != nil {
			continue
		}
		var gid int
		if _, err := fmt.Sscanf(g.Gid, "%d", &gid); err != nil {
			continue
		}
		unix.Fchown(int(f.Fd()), -1, gid)
		return
	}
}

// InstallGlobals zeroes the entire region, writes the globals header,
// stamps peer_id into slots 1..nEvents that lie inside the mapping
// (every peer slot and the broker's slot included), and writes the broker's
// own nodename/cclass into its slot. smart selects "Z-switch" vs
// "Z-server" for the broker's nodename.
func (r *Region) InstallGlobals(nClients, nEvents, serverID int, smart bool) error {
	for i := range r.mm {
		r.mm[i] = 0
	}
	r.Globals = Globals{
		SlotSize:  SlotSize,
		BufOffset: BufOffset,
		NClients:  nClients,
		NEvents:   nEvents,
		ServerID:  serverID,
	}
	binary.LittleEndian.PutUint64(r.mm[0:8], uint64(SlotSize))
	binary.LittleEndian.PutUint64(r.mm[8:16], uint64(BufOffset))
	binary.LittleEndian.PutUint64(r.mm[16:24], uint64(nClients))
	binary.LittleEndian.PutUint64(r.mm[24:32], uint64(nEvents))
	binary.LittleEndian.PutUint64(r.mm[32:40], uint64(serverID))

	for slot := 1; slot <= nEvents && (slot+1)*SlotSize <= len(r.mm); slot++ {
		base := slot * SlotSize
		binary.LittleEndian.PutUint64(r.mm[base+fieldPeerID:base+fieldPeerID+8], uint64(slot))
	}

	nodename := "Z-server"
	if smart {
		nodename = "Z-switch"
	}
	base := serverID * SlotSize
	copy(r.mm[base+fieldNodename:base+fieldNodename+nodenameSize], nodename)
	copy(r.mm[base+fieldCclass:base+fieldCclass+cclassSize], "FabricSwitch")
	return nil
}

// AttachReadOnlyHeader reads the globals header written by the broker.
// Clients call this after receiving the mailbox fd.
func (r *Region) AttachReadOnlyHeader() Globals {
	r.Globals = Globals{
		SlotSize:  int(binary.LittleEndian.Uint64(r.mm[0:8])),
		BufOffset: int(binary.LittleEndian.Uint64(r.mm[8:16])),
		NClients:  int(binary.LittleEndian.Uint64(r.mm[16:24])),
		NEvents:   int(binary.LittleEndian.Uint64(r.mm[24:32])),
		ServerID:  int(binary.LittleEndian.Uint64(r.mm[32:40])),
	}
	return r.Globals
}

func (r *Region) slotBase(peerID int) int { return peerID * SlotSize }

// Buflen reads the current buflen of a peer's mailslot without clearing it.
func (r *Region) Buflen(peerID int) int {
	base := r.slotBase(peerID)
	return int(binary.LittleEndian.Uint64(r.mm[base+fieldBuflen : base+fieldBuflen+8]))
}

// Retrieve returns the payload bytes currently in peerID's mailslot. If
// clear is true, buflen is atomically reset to 0 — the "drained" signal
// that lets the owner refill the slot.
func (r *Region) Retrieve(peerID int, clear bool) []byte {
	base := r.slotBase(peerID)
	n := r.Buflen(peerID)
	out := make([]byte, n)
	copy(out, r.mm[base+BufOffset:base+BufOffset+n])
	if clear {
		binary.LittleEndian.PutUint64(r.mm[base+fieldBuflen:base+fieldBuflen+8], 0)
	}
	return out
}

// Fill waits up to ~1.05s (11 probes, 100ms apart) for senderID's slot to
// drain, then writes the payload and a trailing NUL when space permits.
// If the slot is still busy after the wait, it logs via warn and
// overwrites anyway ("stomping"), matching the reference behavior.
func (r *Region) Fill(senderID int, payload []byte, warn func(string)) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds max %d", errs.ErrPayload, len(payload), MaxPayload)
	}

	deadline := time.Now().Add(fillPollBudget)
	for r.Buflen(senderID) != 0 && time.Now().Before(deadline) {
		time.Sleep(fillPollEvery)
	}
	if r.Buflen(senderID) != 0 && warn != nil {
		warn("pseudo-HW not ready; stomping")
	}

	base := r.slotBase(senderID)
	binary.LittleEndian.PutUint64(r.mm[base+fieldBuflen:base+fieldBuflen+8], uint64(len(payload)))
	copy(r.mm[base+BufOffset:base+BufOffset+len(payload)], payload)
	if len(payload) < SlotSize-BufOffset {
		r.mm[base+BufOffset+len(payload)] = 0
	}
	return nil
}

// ClearSlot zeroes a peer's nodename and cclass fields, leaving peer_id
// (and the rest of the slot) untouched.
func (r *Region) ClearSlot(peerID int) {
	base := r.slotBase(peerID)
	for i := fieldNodename; i < fieldNodename+nodenameSize; i++ {
		r.mm[base+i] = 0
	}
	for i := fieldCclass; i < fieldCclass+cclassSize; i++ {
		r.mm[base+i] = 0
	}
}

// SetNodename stamps a peer's human-readable name into its mailslot.
func (r *Region) SetNodename(peerID int, name string) {
	base := r.slotBase(peerID)
	for i := 0; i < nodenameSize; i++ {
		r.mm[base+fieldNodename+i] = 0
	}
	copy(r.mm[base+fieldNodename:base+fieldNodename+nodenameSize], name)
}

// SetLinkAttrs stamps peer_SID/peer_CID/last_responder for a slot.
func (r *Region) SetLinkAttrs(peerID, sid, cid, lastResponder int) {
	base := r.slotBase(peerID)
	binary.LittleEndian.PutUint64(r.mm[base+fieldPeerSID:base+fieldPeerSID+8], uint64(sid))
	binary.LittleEndian.PutUint64(r.mm[base+fieldPeerCID:base+fieldPeerCID+8], uint64(cid))
	binary.LittleEndian.PutUint64(r.mm[base+fieldLastResp:base+fieldLastResp+8], uint64(lastResponder))
}

// Fd exposes the backing file descriptor, for the handshake's SCM_RIGHTS
// transfer of the mailbox fd to new peers.
func (r *Region) Fd() int { return int(r.file.Fd()) }

// Close unmaps and closes the backing file.
func (r *Region) Close() error {
	if err := r.mm.Unmap(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
