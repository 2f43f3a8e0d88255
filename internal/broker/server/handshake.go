package server

import (
	"fmt"
	"net"

	"github.com/zvolchak/FAME-Z/internal/broker/eventfd"
	"github.com/zvolchak/FAME-Z/internal/broker/registry"
	"github.com/zvolchak/FAME-Z/internal/broker/wire"
)

// handleNewPeer runs the full greeting + advertisement handshake for a
// freshly accepted connection, per the protocol's message ordering:
//
//  1. proto_version (0, or -1 on a bad-version / exhausted-ids reject)
//  2. assigned_peer_id
//  3. mailbox fd, carried on a throwaway value of -1
//  4. to every already-attached peer: the new peer's id, once per
//     eventfd, carrying the new peer's eventfds — and symmetrically,
//     to the new peer, that already-attached peer's id carrying its
//     eventfds
//  5. if non-silent, the broker's own id carrying its eventfds
//  6. the sentinel: nEvents messages of the new peer's own id carrying
//     its own eventfds, which both sides use to know advertisement is
//     complete
func (b *Broker) handleNewPeer(conn *net.UnixConn) {
	log := b.log.WithField("remote", conn.RemoteAddr())

	newID := b.peers.AllocateID()
	if newID == -1 {
		log.Warn("rejecting connection: no free peer ids")
		wire.Send(conn, -1, wire.NoFD)
		conn.Close()
		return
	}

	var fds []*eventfd.Eventfd
	if recycled, ok := b.peers.Recycled(newID); ok && len(recycled.Eventfds) == b.nEvents {
		fds = recycled.Eventfds
		log.WithField("peer_id", newID).Info("reusing recycled eventfds")
	} else {
		var err error
		fds, err = makeEventfds(b.nEvents)
		if err != nil {
			log.WithError(err).Error("allocating eventfds for new peer")
			wire.Send(conn, -1, wire.NoFD)
			conn.Close()
			return
		}
	}

	if err := wire.Send(conn, 0, wire.NoFD); err != nil {
		log.WithError(err).Error("sending proto_version")
		conn.Close()
		return
	}
	if err := wire.Send(conn, int64(newID), wire.NoFD); err != nil {
		log.WithError(err).Error("sending assigned_peer_id")
		conn.Close()
		return
	}
	if err := wire.Send(conn, -1, b.region.Fd()); err != nil {
		log.WithError(err).Error("sending mailbox fd")
		conn.Close()
		return
	}

	existing := b.peers.Snapshot()

	for _, p := range existing {
		if p.Socket == nil {
			continue // the broker's own synthetic registry entry
		}
		for _, fd := range fds {
			if err := wire.Send(p.Socket, int64(newID), fd.Fd()); err != nil {
				log.WithError(err).Warnf("advertising new peer %d to existing peer %d", newID, p.ID)
			}
		}
	}

	for _, p := range existing {
		for _, fd := range p.Eventfds {
			if err := wire.Send(conn, int64(p.ID), fd.Fd()); err != nil {
				log.WithError(err).Warnf("advertising existing peer %d to new peer %d", p.ID, newID)
			}
		}
	}

	if !b.cfg.Silent {
		for _, fd := range b.ownEventfds {
			if err := wire.Send(conn, int64(b.serverID), fd.Fd()); err != nil {
				log.WithError(err).Warn("advertising broker's own eventfds to new peer")
			}
		}
	}

	// Sentinel: the new peer's own id, nEvents times, carrying its own
	// fds. Both the broker and the client recognize "my own id again"
	// as end-of-advertisement.
	for _, fd := range fds {
		if err := wire.Send(conn, int64(newID), fd.Fd()); err != nil {
			log.WithError(err).Error("sending sentinel batch")
			conn.Close()
			return
		}
	}

	peer := &registry.Peer{
		ID:       newID,
		Socket:   conn,
		Eventfds: fds,
		State:    registry.Advertised,
	}
	b.peers.Add(peer)
	b.region.SetNodename(newID, defaultNodename(newID))

	b.reactor.AddReader(connFd(conn), func() { b.onPeerSocketReadable(newID, conn) })

	log.WithField("peer_id", newID).Info("peer advertised")
}

func makeEventfds(n int) ([]*eventfd.Eventfd, error) {
	fds := make([]*eventfd.Eventfd, n)
	for i := range fds {
		ev, err := eventfd.New(0)
		if err != nil {
			for _, already := range fds[:i] {
				already.Close()
			}
			return nil, err
		}
		fds[i] = ev
	}
	return fds, nil
}

func defaultNodename(peerID int) string {
	return fmt.Sprintf("z%02d", peerID)
}

// onPeerSocketReadable fires when a peer's handshake connection becomes
// readable post-handshake. After the handshake, the socket carries no
// further protocol traffic — only a zero-length read (EOF) is expected,
// signaling the peer has disconnected.
func (b *Broker) onPeerSocketReadable(peerID int, conn *net.UnixConn) {
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n > 0 {
		b.log.Warnf("unexpected protocol traffic on peer %d's socket after handshake", peerID)
		return
	}
	if err == nil {
		return
	}
	b.disconnectPeer(peerID)
}

func (b *Broker) disconnectPeer(peerID int) {
	p, ok := b.peers.Remove(peerID)
	if !ok {
		return
	}
	b.reactor.RemoveReader(connFd(p.Socket))
	p.Socket.Close()
	if _, recycled := b.peers.Recycled(peerID); !recycled {
		for _, fd := range p.Eventfds {
			fd.Close()
		}
	}
	b.region.ClearSlot(peerID)
	b.log.WithField("peer_id", peerID).Info("peer lost")

	// Recycle mode preserves peerID's record for a future reconnect, so
	// surviving peers are deliberately not told it's gone.
	if b.cfg.Recycle {
		return
	}
	for _, other := range b.peers.Snapshot() {
		if other.ID == peerID || other.Socket == nil {
			continue
		}
		if err := wire.Send(other.Socket, int64(peerID), wire.NoFD); err != nil {
			b.log.WithError(err).Warnf("broadcasting loss of %d to %d", peerID, other.ID)
		}
	}
}
