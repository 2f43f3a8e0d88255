// Package server implements the broker side of the handshake: accepting
// peers on a UNIX socket, allocating ids, distributing eventfds and the
// mailbox fd, and — in non-silent mode — participating as a peer itself
// via the shared dispatcher.
package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"github.com/juju/fslock"
	"github.com/sirupsen/logrus"

	"github.com/zvolchak/FAME-Z/internal/broker/correlator"
	"github.com/zvolchak/FAME-Z/internal/broker/dispatch"
	"github.com/zvolchak/FAME-Z/internal/broker/errs"
	"github.com/zvolchak/FAME-Z/internal/broker/eventfd"
	"github.com/zvolchak/FAME-Z/internal/broker/reactor"
	"github.com/zvolchak/FAME-Z/internal/broker/region"
	"github.com/zvolchak/FAME-Z/internal/broker/registry"
)

// Config holds the resolved CLI/config-file surface for one broker run.
type Config struct {
	Mailbox    string
	SocketPath string
	NClients   int
	Silent     bool
	Smart      bool
	Recycle    bool
	TagTTL     time.Duration
}

// Broker owns every piece of broker-global state: the mailbox region,
// the peer registry, the correlator, the listening socket, and — when
// participating — its own eventfds and dispatcher.
type Broker struct {
	cfg   Config
	log   *logrus.Logger
	runID uuid.UUID // identifies this broker process in its own logs

	region   *region.Region
	peers    *registry.Registry
	corr     *correlator.Correlator
	reactor  *reactor.Reactor
	listener *net.UnixListener
	lock     *fslock.Lock

	serverID int
	nEvents  int

	ownEventfds []*eventfd.Eventfd // nil in silent mode
	dispatcher  *dispatch.Dispatcher
}

// New validates cfg, creates/attaches the mailbox, and binds the
// listening socket, but does not yet accept connections — call Run for
// that.
func New(cfg Config, log *logrus.Logger) (*Broker, error) {
	if cfg.Silent && cfg.Smart {
		return nil, fmt.Errorf("%w: --silent and --smart are mutually exclusive", errs.ErrConfig)
	}
	if cfg.NClients < 1 || cfg.NClients > 62 {
		return nil, fmt.Errorf("%w: nClients %d out of range [1,62]", errs.ErrConfig, cfg.NClients)
	}
	if cfg.NClients > region.MaxClients {
		cfg.NClients = region.MaxClients
	}

	reg, err := region.OpenOrCreate(cfg.Mailbox)
	if err != nil {
		return nil, err
	}

	serverID := cfg.NClients + 1
	nEvents := cfg.NClients + 2
	if err := reg.InstallGlobals(cfg.NClients, nEvents, serverID, cfg.Smart); err != nil {
		reg.Close()
		return nil, err
	}

	if _, err := os.Stat(cfg.SocketPath); err == nil {
		reg.Close()
		return nil, fmt.Errorf("%w: socket path %s already exists", errs.ErrConfig, cfg.SocketPath)
	}

	lock := fslock.New(cfg.SocketPath + ".flock")
	if err := lock.TryLock(); err != nil {
		reg.Close()
		return nil, fmt.Errorf("%w: another broker holds %s: %v", errs.ErrConfig, cfg.SocketPath, err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.SocketPath, Net: "unix"})
	if err != nil {
		lock.Unlock()
		reg.Close()
		return nil, fmt.Errorf("%w: listening on %s: %v", errs.ErrConfig, cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0o666); err != nil {
		log.WithError(err).Warn("could not chmod socket path to 0666")
	}
	if err := writePIDSymlink(cfg.SocketPath); err != nil {
		log.WithError(err).Warn("could not write socket lock symlink")
	}

	peers := registry.New(cfg.NClients, serverID, cfg.Smart, cfg.Recycle)
	corr := correlator.New(cfg.TagTTL)

	b := &Broker{
		cfg:      cfg,
		log:      log,
		runID:    uuid.New(),
		region:   reg,
		peers:    peers,
		corr:     corr,
		reactor:  reactor.New(),
		listener: ln,
		lock:     lock,
		serverID: serverID,
		nEvents:  nEvents,
	}

	if !cfg.Silent {
		if err := b.initOwnEventfds(); err != nil {
			b.Close()
			return nil, err
		}
	}

	return b, nil
}

func writePIDSymlink(socketPath string) error {
	lockPath := socketPath + ".lock"
	os.Remove(lockPath)
	return os.Symlink(strconv.Itoa(os.Getpid()), lockPath)
}

func (b *Broker) initOwnEventfds() error {
	fds := make([]*eventfd.Eventfd, b.nEvents)
	for i := 0; i < b.nEvents; i++ {
		ev, err := eventfd.New(0)
		if err != nil {
			return fmt.Errorf("%w: broker eventfd %d: %v", errs.ErrResource, i, err)
		}
		fds[i] = ev
	}
	b.ownEventfds = fds

	defaultSID := 0
	serverSID0 := 0
	serverCID0 := 0
	if b.cfg.Smart {
		defaultSID = 27
		serverSID0 = defaultSID
		serverCID0 = b.serverID * 100
	}

	ident := dispatch.Identity{
		OwnID:      b.serverID,
		IsBroker:   true,
		Smart:      b.cfg.Smart,
		CClass:     "FabricSwitch",
		DefaultSID: defaultSID,
		ServerSID0: serverSID0,
		ServerCID0: serverCID0,
		SID0:       serverSID0,
		CID0:       serverCID0,
	}

	b.dispatcher = dispatch.New(b.region, b.peers, b.corr, ident, b.ringPeer, b.log.WithField("component", "dispatch"))

	// Register the broker itself under its server id so registry lookups
	// (snapshots, target resolution, its own SID/CID record) include it.
	b.peers.Add(&registry.Peer{ID: b.serverID, Nodename: "Z-server", State: registry.Advertised})
	return nil
}

// ringPeer notifies peerID that the broker has placed a message in the
// broker's own mailslot. Each peer holds an nEvents-long eventfd array
// indexed by sender id; the broker's copy of that same array (held on
// the peer's registry record) must be rung at its own server id's
// index so the peer's reader for "sender == broker" fires.
func (b *Broker) ringPeer(peerID int) error {
	p, ok := b.peers.Get(peerID)
	if !ok || len(p.Eventfds) <= b.serverID {
		return fmt.Errorf("%w: no doorbell held for peer %d", errs.ErrResource, peerID)
	}
	_, err := p.Eventfds[b.serverID].Ring(1)
	return err
}

// Close releases the socket, lock, and mailbox region. Safe to call more
// than once.
func (b *Broker) Close() error {
	b.reactor.Stop()

	var merr *multierror.Error
	if b.listener != nil {
		if err := b.listener.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("closing listener: %w", err))
		}
	}
	if b.lock != nil {
		if err := b.lock.Unlock(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("releasing socket lock: %w", err))
		}
	}
	os.Remove(b.cfg.SocketPath + ".lock")
	if b.region != nil {
		if err := b.region.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("closing mailbox region: %w", err))
		}
	}
	return merr.ErrorOrNil()
}

// Reactor exposes the broker's event loop, e.g. for an HTTP status
// server to add its own listener as a reader.
func (b *Broker) Reactor() *reactor.Reactor { return b.reactor }

// Peers exposes the peer registry, e.g. for the HTTP status endpoint.
func (b *Broker) Peers() *registry.Registry { return b.peers }

// ServerID returns the broker's own slot/peer id (nClients+1).
func (b *Broker) ServerID() int { return b.serverID }

// SocketPath returns the handshake socket path this broker is bound to.
func (b *Broker) SocketPath() string { return b.cfg.SocketPath }

// Run drives the broker's accept loop and reactor until Close (or a
// Stop of the reactor) ends it.
func (b *Broker) Run() error {
	b.reactor.AddReader(listenerFd(b.listener), b.acceptOne)

	if !b.cfg.Silent {
		for i, ev := range b.ownEventfds {
			idx := i
			b.reactor.AddReader(ev.Fd(), func() { b.onDoorbell(idx) })
		}
	}

	if b.cfg.TagTTL > 0 {
		b.reactor.AddTimer(b.cfg.TagTTL, b.cfg.TagTTL, func() bool {
			b.corr.Sweep(func(tag uint32, o correlator.Outstanding) {
				b.log.Warnf("tag %d expired without acknowledgment", tag)
			})
			return true
		})
	}

	b.log.WithFields(logrus.Fields{
		"run_id":   b.runID,
		"socket":   b.cfg.SocketPath,
		"mailbox":  b.cfg.Mailbox,
		"nClients": b.cfg.NClients,
		"smart":    b.cfg.Smart,
		"silent":   b.cfg.Silent,
	}).Info("broker listening")

	return b.reactor.Run()
}

func (b *Broker) onDoorbell(vectorIdx int) {
	// The broker's eventfd[k] fires because peer k placed a message in
	// its own mailslot addressed to the broker. We don't strictly need
	// the counter value, only that it fired.
	if _, _, err := b.ownEventfds[vectorIdx].Drain(); err != nil {
		b.log.WithError(err).Error("draining broker eventfd")
		return
	}
	peerID := vectorIdx
	if peerID == 0 {
		return // slot 0 is the unused globals index
	}
	payload := b.region.Retrieve(peerID, true)
	if len(payload) == 0 {
		return
	}
	b.dispatcher.Handle(peerID, string(payload))
}

func listenerFd(ln *net.UnixListener) int {
	raw, err := ln.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	raw.Control(func(fdv uintptr) { fd = int(fdv) })
	return fd
}

func connFd(c *net.UnixConn) int {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	raw.Control(func(fdv uintptr) { fd = int(fdv) })
	return fd
}

var acceptBackoff = backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2}

func (b *Broker) acceptOne() {
	conn, err := b.listener.AcceptUnix()
	if err != nil {
		if errNotTemporary(err) {
			return
		}
		d := acceptBackoff.Duration()
		b.log.WithError(err).Warnf("accept failed, backing off %s", d)
		time.Sleep(d)
		return
	}
	acceptBackoff.Reset()
	b.handleNewPeer(conn)
}

func errNotTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	te, ok := err.(temporary)
	return !ok || !te.Temporary()
}
