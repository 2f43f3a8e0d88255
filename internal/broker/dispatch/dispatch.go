// Package dispatch parses the textual payload of an incoming mailslot,
// resolves it to a handler via longest-prefix-match, invokes it, and
// optionally emits a response through the mailbox and a doorbell ring.
//
// A Dispatcher runs inside any participant that owns a mailslot: the
// broker itself (when non-silent) and the debug client. Both sides
// share the same handler table and CSV grammar, following the
// reference implementation's "chelsea" prefix matcher.
package dispatch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zvolchak/FAME-Z/internal/broker/correlator"
	"github.com/zvolchak/FAME-Z/internal/broker/errs"
	"github.com/zvolchak/FAME-Z/internal/broker/region"
	"github.com/zvolchak/FAME-Z/internal/broker/registry"
)

// HandlerFunc processes a recognized payload's remaining tokens and
// optionally emits a response. It returns true if the payload was
// recognized and handled (even if no response was warranted).
type HandlerFunc func(d *Dispatcher, fromID int, args []string) bool

// Identity carries the fields a handler needs about the endpoint it is
// running inside: whether it's the broker (and in smart mode), and the
// fabric SID/CID pair this endpoint currently presents.
type Identity struct {
	OwnID      int
	IsBroker   bool
	Smart      bool
	CClass     string
	DefaultSID int
	ServerSID0 int
	ServerCID0 int
	SID0       int
	CID0       int
}

// Dispatcher owns the handler table plus the region/registry/correlator
// an endpoint uses to answer requests.
type Dispatcher struct {
	Region  *region.Region
	Peers   *registry.Registry
	Corr    *correlator.Correlator
	Log     *logrus.Entry
	Ident   Identity
	// Ring notifies peerID's doorbell; supplied by the caller since the
	// broker and the debug client hold their eventfd copies differently.
	Ring func(peerID int) error

	handlers map[string]HandlerFunc
}

// New creates a Dispatcher with the built-in handler table registered.
func New(r *region.Region, peers *registry.Registry, corr *correlator.Correlator, ident Identity, ring func(int) error, log *logrus.Entry) *Dispatcher {
	d := &Dispatcher{
		Region:   r,
		Peers:    peers,
		Corr:     corr,
		Ident:    ident,
		Ring:     ring,
		Log:      log,
		handlers: make(map[string]HandlerFunc),
	}
	d.registerBuiltins()
	return d
}

// RegisterHandler adds or overrides a handler for the given space-
// separated prefix (hyphens are normalized to underscores the same way
// lookup keys are, so callers may write either form).
func (d *Dispatcher) RegisterHandler(prefix string, fn HandlerFunc) {
	d.handlers[normalizeKey(prefix)] = fn
}

func normalizeKey(prefix string) string {
	tokens := strings.Fields(prefix)
	for i, t := range tokens {
		tokens[i] = strings.ReplaceAll(t, "-", "_")
	}
	return strings.Join(tokens, "_")
}

// stripTracker drops a trailing "!FZT=<n>" diagnostic token.
func stripTracker(tokens []string) []string {
	if len(tokens) == 0 {
		return tokens
	}
	last := tokens[len(tokens)-1]
	if strings.HasPrefix(last, "!FZT=") {
		return tokens[:len(tokens)-1]
	}
	return tokens
}

// lookup performs the longest-prefix-match over elements, normalizing
// hyphens to underscores the way the reference "chelsea" matcher does,
// trying progressively longer joined prefixes and taking the last (most
// specific) one that's registered.
func (d *Dispatcher) lookup(elements []string) (HandlerFunc, []string, bool) {
	entry := ""
	var found HandlerFunc
	var foundArgs []string
	ok := false
	for i, e := range elements {
		e = strings.ReplaceAll(e, "-", "_")
		if entry == "" {
			entry = e
		} else {
			entry = entry + "_" + e
		}
		if h, present := d.handlers[entry]; present {
			found = h
			foundArgs = elements[i+1:]
			ok = true
		}
	}
	return found, foundArgs, ok
}

// Handle parses one payload from peer fromID and dispatches it.
// Returns true if a handler recognized and processed it.
func (d *Dispatcher) Handle(fromID int, payload string) bool {
	elements := stripTracker(strings.Fields(payload))
	if len(elements) == 0 {
		return false
	}

	handler, args, ok := d.lookupByWords(elements)
	if !ok {
		if d.Log != nil {
			d.Log.Debugf("unrecognized payload from %d: %q", fromID, payload)
		}
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			if d.Log != nil {
				d.Log.Errorf("handler panic for payload %q from %d: %v", payload, fromID, r)
			}
		}
	}()
	return handler(d, fromID, args)
}

// lookupByWords delegates to lookup, which normalizes hyphens to match
// the underscored registration keys.
func (d *Dispatcher) lookupByWords(elements []string) (HandlerFunc, []string, bool) {
	return d.lookup(elements)
}

// CSV2Dict parses a "Key=Value,Key=Value" string into a map, silently
// skipping malformed pairs (matching the reference CSV2dict).
func CSV2Dict(s string) map[string]string {
	out := make(map[string]string)
	for _, elem := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(elem), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// DictToCSV renders a map back to "Key=Value,..." in the given key
// order, for building deterministic responses.
func DictToCSV(order []string, kv map[string]string) string {
	parts := make([]string, 0, len(order))
	for _, k := range order {
		if v, ok := kv[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return strings.Join(parts, ",")
}

// Send fills this endpoint's own mailslot with response and rings
// toID's doorbell. If tag is true, a correlation tag is appended and
// recorded with afterACK as the hint to fire once it's acknowledged.
func (d *Dispatcher) Send(toID int, response string, tag bool, afterACK string) error {
	if tag {
		t := d.Corr.Tag(correlator.Outstanding{
			OriginSID:       d.Ident.SID0,
			OriginCID:       d.Ident.CID0,
			OriginalPayload: response,
			AfterACK:        afterACK,
		})
		response = fmt.Sprintf("%s,Tag=%d", response, t)
	}
	if err := d.Region.Fill(d.Ident.OwnID, []byte(response), func(msg string) {
		if d.Log != nil {
			d.Log.Warn(msg)
		}
	}); err != nil {
		return err
	}
	if d.Ring != nil {
		return d.Ring(toID)
	}
	return nil
}

// ResolveTargets expands a destination token (numeric id, nodename, the
// literals "server"/"switch"/"all"/"others", or a comma-free single
// target) into concrete peer ids. "all"/"others" snapshot the registry
// before iterating, per spec.
func ResolveTargets(peers *registry.Registry, serverID, requesterID int, target string) ([]int, error) {
	switch target {
	case "server", "switch":
		return []int{serverID}, nil
	case "all":
		ids := idsFromSnapshot(peers.Snapshot())
		return ids, nil
	case "others":
		ids := idsFromSnapshot(peers.Snapshot())
		out := ids[:0]
		for _, id := range ids {
			if id != requesterID {
				out = append(out, id)
			}
		}
		return out, nil
	}
	if id, err := strconv.Atoi(target); err == nil {
		return []int{id}, nil
	}
	if p, ok := peers.ByNodename(target); ok {
		return []int{p.ID}, nil
	}
	return nil, fmt.Errorf("%w: unknown target %q", errs.ErrPayload, target)
}

func idsFromSnapshot(peers []*registry.Peer) []int {
	ids := make([]int, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.ID)
	}
	sort.Ints(ids)
	return ids
}
