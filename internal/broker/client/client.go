// Package client implements the non-broker side of the handshake: a
// small debug/test peer that dials the broker's UNIX socket, learns
// its assigned id and the mailbox/eventfd set, and then answers the
// same request grammar the broker does via the shared dispatch table.
package client

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/zvolchak/FAME-Z/internal/broker/correlator"
	"github.com/zvolchak/FAME-Z/internal/broker/dispatch"
	"github.com/zvolchak/FAME-Z/internal/broker/errs"
	"github.com/zvolchak/FAME-Z/internal/broker/eventfd"
	"github.com/zvolchak/FAME-Z/internal/broker/reactor"
	"github.com/zvolchak/FAME-Z/internal/broker/region"
	"github.com/zvolchak/FAME-Z/internal/broker/registry"
	"github.com/zvolchak/FAME-Z/internal/broker/wire"
)

// State is the client's position in the Initial -> Learning -> Ready
// handshake progression.
type State int

const (
	StateInitial State = iota
	StateLearning
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateLearning:
		return "learning"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Client is one connected peer: its control socket, its mailbox
// attachment, and the per-id eventfd arrays it has learned so far.
type Client struct {
	log      *logrus.Entry
	conn     *net.UnixConn
	region   *region.Region
	reactor  *reactor.Reactor
	corr     *correlator.Correlator
	peers    *registry.Registry
	disp     *dispatch.Dispatcher

	myID     int
	serverID int
	nEvents  int
	state    State

	learning map[int][]int             // id -> raw fds accumulated so far
	vectors  map[int][]*eventfd.Eventfd // id -> completed nEvents-long array
}

// Connect dials socketPath and runs the handshake through to Ready,
// arming readers on the client's own eventfd vector and announcing
// itself to the broker with a Link CTL Peer-Attribute request.
func Connect(socketPath string, smart bool, log *logrus.Logger) (*Client, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", errs.ErrConfig, socketPath, err)
	}

	c := &Client{
		log:      log.WithField("component", "client").WithField("socket", socketPath),
		conn:     conn,
		reactor:  reactor.New(),
		learning: make(map[int][]int),
		vectors:  make(map[int][]*eventfd.Eventfd),
	}

	if err := c.handshake(smart); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(smart bool) error {
	version, _, err := wire.Recv(c.conn)
	if err != nil {
		return fmt.Errorf("%w: reading proto_version: %v", errs.ErrHandshake, err)
	}
	if version != 0 {
		return fmt.Errorf("%w: broker rejected connection (bad version sentinel)", errs.ErrHandshake)
	}

	assigned, _, err := wire.Recv(c.conn)
	if err != nil {
		return fmt.Errorf("%w: reading assigned_peer_id: %v", errs.ErrHandshake, err)
	}
	if assigned < 1 {
		return fmt.Errorf("%w: assigned_peer_id %d out of range", errs.ErrHandshake, assigned)
	}
	c.myID = int(assigned)

	mbValue, mbFd, err := wire.Recv(c.conn)
	if err != nil {
		return fmt.Errorf("%w: reading mailbox fd: %v", errs.ErrHandshake, err)
	}
	if mbValue != -1 || mbFd < 0 {
		return fmt.Errorf("%w: malformed mailbox message (value=%d fd=%d)", errs.ErrHandshake, mbValue, mbFd)
	}

	reg, err := region.AttachFD(mbFd)
	if err != nil {
		return err
	}
	globals := reg.AttachReadOnlyHeader()
	reg.SetNodename(c.myID, fmt.Sprintf("z%02d", c.myID))

	c.region = reg
	c.serverID = globals.ServerID
	c.nEvents = globals.NEvents
	c.state = StateLearning
	c.peers = registry.New(globals.NClients, globals.ServerID, smart, false)

	for c.state == StateLearning {
		if err := c.learnOne(); err != nil {
			return err
		}
	}

	for idx, ev := range c.vectors[c.myID] {
		senderIdx := idx
		c.reactor.AddReader(ev.Fd(), func() { c.onDoorbell(senderIdx) })
	}

	ident := dispatch.Identity{
		OwnID:    c.myID,
		IsBroker: false,
		Smart:    smart,
		CClass:   "FAMEZ-client",
	}
	c.corr = correlator.New(correlator.DefaultTTL)
	c.disp = dispatch.New(c.region, c.peers, c.corr, ident, c.ring, c.log.WithField("component", "dispatch"))

	if _, haveBrokerVector := c.vectors[c.serverID]; !haveBrokerVector {
		c.log.Debug("broker is operating silently, skipping Link CTL Peer-Attribute")
		return nil
	}
	return c.disp.Send(c.serverID, "Link CTL Peer-Attribute", false, "")
}

// learnOne reads one (id, fd) pair, appends it to that id's
// accumulating vector, and — once an id's vector reaches nEvents —
// finalizes it. The client's own id completing its vector is the
// sentinel that ends Learning.
func (c *Client) learnOne() error {
	id64, fd, err := wire.Recv(c.conn)
	if err != nil {
		return fmt.Errorf("%w: during learning: %v", errs.ErrHandshake, err)
	}
	id := int(id64)

	if fd == wire.NoFD {
		// A departure notice arriving mid-learning; drop any partial
		// vector for that id and keep going.
		delete(c.learning, id)
		delete(c.vectors, id)
		return nil
	}

	c.learning[id] = append(c.learning[id], fd)
	if len(c.learning[id]) < c.nEvents {
		return nil
	}

	vec := make([]*eventfd.Eventfd, len(c.learning[id]))
	for i, raw := range c.learning[id] {
		vec[i] = eventfd.FromFD(raw)
	}
	c.vectors[id] = vec
	delete(c.learning, id)

	if id != c.myID {
		c.peers.Add(&registry.Peer{ID: id, Eventfds: vec, State: registry.Advertised})
	} else {
		c.state = StateReady
	}
	return nil
}

// ring notifies toID using this client's copy of toID's eventfd array,
// at the index corresponding to this client's own id.
func (c *Client) ring(toID int) error {
	if toID == c.serverID {
		vec, ok := c.vectors[c.serverID]
		if !ok || len(vec) <= c.myID {
			return fmt.Errorf("%w: no doorbell held for server", errs.ErrResource)
		}
		_, err := vec[c.myID].Ring(1)
		return err
	}
	p, ok := c.peers.Get(toID)
	if !ok || len(p.Eventfds) <= c.myID {
		return fmt.Errorf("%w: no doorbell held for peer %d", errs.ErrResource, toID)
	}
	_, err := p.Eventfds[c.myID].Ring(1)
	return err
}

func (c *Client) onDoorbell(senderIdx int) {
	vec := c.vectors[c.myID]
	if senderIdx < 0 || senderIdx >= len(vec) {
		return
	}
	if _, _, err := vec[senderIdx].Drain(); err != nil {
		c.log.WithError(err).Error("draining own eventfd")
		return
	}
	payload := c.region.Retrieve(senderIdx, true)
	if len(payload) == 0 {
		return
	}
	c.disp.Handle(senderIdx, string(payload))
}

// onControlReadable processes post-handshake (id, fd)/(id, NoFD)
// traffic on the control socket: new peers joining or departing.
func (c *Client) onControlReadable() {
	id64, fd, err := wire.Recv(c.conn)
	if err != nil {
		c.log.WithError(err).Warn("control socket closed")
		c.reactor.Stop()
		return
	}
	id := int(id64)

	if fd == wire.NoFD {
		if p, ok := c.peers.Remove(id); ok {
			for _, ev := range p.Eventfds {
				ev.Close()
			}
		}
		c.log.WithField("peer_id", id).Info("peer departed")
		return
	}

	c.learning[id] = append(c.learning[id], fd)
	if len(c.learning[id]) != c.nEvents {
		return
	}
	vec := make([]*eventfd.Eventfd, len(c.learning[id]))
	for i, raw := range c.learning[id] {
		vec[i] = eventfd.FromFD(raw)
	}
	delete(c.learning, id)
	c.peers.Add(&registry.Peer{ID: id, Eventfds: vec, State: registry.Advertised})
	c.log.WithField("peer_id", id).Info("peer joined")
}

// Run drives the client's reactor: doorbell readers plus the control
// socket for join/leave notices, until Close or a socket error.
func (c *Client) Run() error {
	c.reactor.AddReader(connFd(c.conn), c.onControlReadable)
	return c.reactor.Run()
}

// Dispatcher exposes the client's request dispatcher, e.g. for a CLI
// to register extra handlers or send ad hoc requests.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.disp }

// MyID returns the id the broker assigned this client.
func (c *Client) MyID() int { return c.myID }

// ServerID returns the broker's own peer id within the mailbox.
func (c *Client) ServerID() int { return c.serverID }

// Close releases the control socket and mailbox mapping.
func (c *Client) Close() error {
	c.reactor.Stop()
	c.conn.Close()
	if c.region != nil {
		return c.region.Close()
	}
	return nil
}

func connFd(conn *net.UnixConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	raw.Control(func(fdv uintptr) { fd = int(fdv) })
	return fd
}
