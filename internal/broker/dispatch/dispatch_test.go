package dispatch

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/zvolchak/FAME-Z/internal/broker/correlator"
	"github.com/zvolchak/FAME-Z/internal/broker/region"
	"github.com/zvolchak/FAME-Z/internal/broker/registry"
)

func newTestDispatcher(t *testing.T, smart bool) (*Dispatcher, *region.Region, *[]int) {
	t.Helper()
	r, err := region.OpenOrCreate(filepath.Join(t.TempDir(), "mailbox"))
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	nClients := 4
	serverID := nClients + 1
	if err := r.InstallGlobals(nClients, nClients+2, serverID, smart); err != nil {
		t.Fatalf("InstallGlobals: %v", err)
	}

	peers := registry.New(nClients, serverID, smart, false)
	peers.Add(&registry.Peer{ID: 1, Nodename: "z01"})

	var rung []int
	ident := Identity{
		OwnID:      serverID,
		IsBroker:   true,
		Smart:      smart,
		CClass:     "FabricSwitch",
		DefaultSID: 27,
		ServerSID0: 27,
		ServerCID0: serverID * 100,
	}
	d := New(r, peers, correlator.New(0), ident, func(id int) error {
		rung = append(rung, id)
		return nil
	}, nil)
	return d, r, &rung
}

func TestPingRepliesPong(t *testing.T) {
	d, r, _ := newTestDispatcher(t, false)
	ok := d.Handle(1, "ping")
	if !ok {
		t.Fatal("ping should be recognized")
	}
	got := r.Retrieve(d.Ident.OwnID, true)
	if string(got) != "pong" {
		t.Fatalf("mailslot contains %q, want %q", got, "pong")
	}
}

func TestUnknownPayloadIsNotHandled(t *testing.T) {
	d, _, _ := newTestDispatcher(t, false)
	if d.Handle(1, "some nonsense payload") {
		t.Fatal("expected unrecognized payload to return false")
	}
}

func TestLinkCTLPeerAttributeReply(t *testing.T) {
	d, r, _ := newTestDispatcher(t, false)
	if !d.Handle(1, "Link CTL Peer-Attribute") {
		t.Fatal("expected Link CTL Peer-Attribute to be handled")
	}
	got := string(r.Retrieve(d.Ident.OwnID, true))
	want := "Link CTL ACK C-Class=FabricSwitch,SID0=0,CID0=0"
	if got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

func TestLinkRFCIgnoredWhenNotSmart(t *testing.T) {
	d, _, _ := newTestDispatcher(t, false)
	if d.Handle(1, "Link RFC TTC=10us") {
		t.Fatal("Link RFC should be dropped when broker is not smart")
	}
}

func TestLinkRFCHonoredWhenSmart(t *testing.T) {
	d, r, _ := newTestDispatcher(t, true)
	if !d.Handle(1, "Link RFC TTC=10us") {
		t.Fatal("expected Link RFC to be handled in smart mode")
	}
	got := string(r.Retrieve(d.Ident.OwnID, true))
	want := "CTL-Write Space=0,PFMSID=27,PFMCID=500,SID=0,CID=0,Tag=1"
	if got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
	if d.Corr.Len() != 1 {
		t.Fatalf("expected one outstanding tag, got %d", d.Corr.Len())
	}
}

func TestStandaloneAcknowledgmentFiresAfterACK(t *testing.T) {
	d, r, _ := newTestDispatcher(t, true)
	tag := d.Corr.Tag(correlator.Outstanding{AfterACK: "Link CTL Peer-Attribute"})

	ok := d.Handle(1, fmt.Sprintf("Standalone Acknowledgment Tag=%d,Reason=OK", tag))
	if !ok {
		t.Fatal("expected Standalone Acknowledgment to be handled")
	}
	if d.Corr.Len() != 0 {
		t.Fatalf("tag should be resolved, Len=%d", d.Corr.Len())
	}
	got := string(r.Retrieve(d.Ident.OwnID, true))
	if got != "Link CTL Peer-Attribute" {
		t.Fatalf("AfterACK reply = %q", got)
	}
}

func TestStandaloneAcknowledgmentUnknownTagFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t, true)
	if d.Handle(1, "Standalone Acknowledgment Tag=999,Reason=OK") {
		t.Fatal("expected unknown tag to fail")
	}
}

func TestCSV2DictRoundTrip(t *testing.T) {
	kv := CSV2Dict("Space=0,SID=1,CID=2")
	if kv["Space"] != "0" || kv["SID"] != "1" || kv["CID"] != "2" {
		t.Fatalf("CSV2Dict = %+v", kv)
	}
}

func TestCSV2DictSkipsMalformedPairs(t *testing.T) {
	kv := CSV2Dict("Good=1,Bad,AlsoGood=2")
	if len(kv) != 2 || kv["Good"] != "1" || kv["AlsoGood"] != "2" {
		t.Fatalf("CSV2Dict = %+v", kv)
	}
}

func TestDumpLogsPeerTable(t *testing.T) {
	d, _, _ := newTestDispatcher(t, false)

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	d.Log = logger.WithField("component", "test")

	if !d.Handle(1, "dump") {
		t.Fatal("expected dump to be handled")
	}

	out := buf.String()
	if !strings.Contains(out, "z01") {
		t.Fatalf("dump log = %q, want it to mention peer z01", out)
	}
}

func TestResolveTargetsLiterals(t *testing.T) {
	peers := registry.New(4, 5, false, false)
	peers.Add(&registry.Peer{ID: 1, Nodename: "z01"})
	peers.Add(&registry.Peer{ID: 2, Nodename: "z02"})

	ids, err := ResolveTargets(peers, 5, 1, "server")
	if err != nil || len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("server target = %v, %v", ids, err)
	}

	ids, err = ResolveTargets(peers, 5, 1, "others")
	if err != nil || len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("others target = %v, %v", ids, err)
	}

	ids, err = ResolveTargets(peers, 5, 1, "z02")
	if err != nil || len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("nodename target = %v, %v", ids, err)
	}

	ids, err = ResolveTargets(peers, 5, 1, "2")
	if err != nil || len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("numeric target = %v, %v", ids, err)
	}

	if _, err := ResolveTargets(peers, 5, 1, "bogus"); err == nil {
		t.Fatal("expected error for unknown target")
	}
}
