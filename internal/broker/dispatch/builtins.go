package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/zvolchak/FAME-Z/internal/broker/registry"
)

func (d *Dispatcher) registerBuiltins() {
	d.RegisterHandler("ping", handlePing)
	d.RegisterHandler("Link CTL Peer-Attribute", handleLinkCTLPeerAttribute)
	d.RegisterHandler("Link CTL ACK", handleLinkCTLAck)
	d.RegisterHandler("Link CTL NAK", handleLinkCTLNak)
	d.RegisterHandler("Link RFC", handleLinkRFC)
	d.RegisterHandler("CTL-Write", handleCTLWrite)
	d.RegisterHandler("Standalone Acknowledgment", handleStandaloneAcknowledgment)
	d.RegisterHandler("dump", handleDump)
}

func handlePing(d *Dispatcher, fromID int, args []string) bool {
	if err := d.Send(fromID, "pong", false, ""); err != nil {
		if d.Log != nil {
			d.Log.Errorf("ping reply to %d failed: %v", fromID, err)
		}
	}
	return true
}

func handleLinkCTLPeerAttribute(d *Dispatcher, fromID int, args []string) bool {
	attrs := fmt.Sprintf("C-Class=%s,SID0=%d,CID0=%d", d.Ident.CClass, d.Ident.SID0, d.Ident.CID0)
	response := "Link CTL ACK " + attrs
	if err := d.Send(fromID, response, false, ""); err != nil {
		if d.Log != nil {
			d.Log.Errorf("Link CTL Peer-Attribute reply to %d failed: %v", fromID, err)
		}
	}
	return true
}

func handleLinkCTLAck(d *Dispatcher, fromID int, args []string) bool {
	if len(args) == 0 {
		return false
	}
	attrs := CSV2Dict(args[0])
	if p, ok := d.Peers.Get(fromID); ok {
		p.PeerAttrs = attrs
		if sid, err := strconv.Atoi(attrs["SID0"]); err == nil {
			p.SID = sid
		}
		if cid, err := strconv.Atoi(attrs["CID0"]); err == nil {
			p.CID = cid
		}
		if cc, ok := attrs["C-Class"]; ok {
			p.CClass = cc
		}
	}
	return true
}

func handleLinkCTLNak(d *Dispatcher, fromID int, args []string) bool {
	if d.Log != nil {
		d.Log.Warnf("Got a NAK from %d, not sure what to do with it", fromID)
	}
	return false
}

func handleLinkRFC(d *Dispatcher, fromID int, args []string) bool {
	if !d.Ident.Smart {
		if d.Log != nil {
			d.Log.Debug("I am not a manager")
		}
		return false
	}
	if len(args) == 0 {
		if d.Log != nil {
			d.Log.Warnf("Link RFC from %d missing TTC", fromID)
		}
		return false
	}
	kv := CSV2Dict(args[0])
	ttc, ok := kv["TTC"]
	if !ok {
		if d.Log != nil {
			d.Log.Warnf("Link RFC from %d missing TTC", fromID)
		}
		return false
	}
	if !strings.HasSuffix(strings.ToLower(ttc), "us") {
		if d.Log != nil {
			d.Log.Warnf("Link RFC TTC %q from %d is not in microseconds, dropping", ttc, fromID)
		}
		return false
	}

	peer, ok := d.Peers.Get(fromID)
	peerSID, peerCID := 0, 0
	if ok {
		peerSID, peerCID = peer.SID, peer.CID
	}

	response := fmt.Sprintf("CTL-Write Space=0,PFMSID=%d,PFMCID=%d,SID=%d,CID=%d",
		d.Ident.ServerSID0, d.Ident.ServerCID0, peerSID, peerCID)
	if err := d.Send(fromID, response, true, "Link CTL Peer-Attribute"); err != nil {
		if d.Log != nil {
			d.Log.Errorf("Link RFC reply to %d failed: %v", fromID, err)
		}
	}
	return true
}

func handleCTLWrite(d *Dispatcher, fromID int, args []string) bool {
	if len(args) == 0 {
		return false
	}
	kv := CSV2Dict(args[0])
	space, err := strconv.Atoi(kv["Space"])
	if err != nil || space != 0 {
		return false
	}
	sid, _ := strconv.Atoi(kv["SID"])
	cid, _ := strconv.Atoi(kv["CID"])
	d.Ident.SID0 = sid
	d.Ident.CID0 = cid
	if p, ok := d.Peers.Get(d.Ident.OwnID); ok {
		p.SID, p.CID = sid, cid
	}

	response := fmt.Sprintf("Standalone Acknowledgment Tag=%s,Reason=OK", kv["Tag"])
	if err := d.Send(fromID, response, false, ""); err != nil {
		if d.Log != nil {
			d.Log.Errorf("Standalone Acknowledgment to %d failed: %v", fromID, err)
		}
	}
	return true
}

func handleStandaloneAcknowledgment(d *Dispatcher, fromID int, args []string) bool {
	if len(args) == 0 {
		return false
	}
	kv := CSV2Dict(args[0])
	tagStr, ok := kv["Tag"]
	if !ok {
		return false
	}
	tag64, err := strconv.ParseUint(tagStr, 10, 32)
	if err != nil {
		return false
	}
	outstanding, ok := d.Corr.Resolve(uint32(tag64))
	if !ok {
		if d.Log != nil {
			d.Log.Warnf("UNTAGGING %d:%s FAILED", fromID, tagStr)
		}
		return false
	}
	if outstanding.AfterACK != "" {
		if err := d.Send(fromID, outstanding.AfterACK, false, ""); err != nil {
			if d.Log != nil {
				d.Log.Errorf("AfterACK send to %d failed: %v", fromID, err)
			}
		}
	}
	return true
}

// handleDump formats the current peer registry as a table and logs it
// at info level, matching the reference "dump" request's role: a peer
// asking the endpoint it's talking to print its own state.
func handleDump(d *Dispatcher, fromID int, args []string) bool {
	if d.Log != nil {
		d.Log.Infof("dump requested by %d:\n%s", fromID, formatPeerTable(d.Peers.Snapshot()))
	}
	return true
}

func formatPeerTable(peers []*registry.Peer) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNODENAME\tCCLASS\tSID\tCID")
	for _, p := range peers {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n", p.ID, p.Nodename, p.CClass, p.SID, p.CID)
	}
	tw.Flush()
	return b.String()
}
