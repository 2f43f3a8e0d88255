// Package httpstatus implements the broker's optional, read-only
// GET /gimme status endpoint: a JSON object for API clients that send
// an ApiVersion header, or an HTML pretty-print otherwise. It is an
// external collaborator in the sense spec describes — nothing in the
// broker's core request handling depends on it.
package httpstatus

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"

	"github.com/zvolchak/FAME-Z/internal/broker/registry"
)

// Node mirrors one entry of the response's "nodes" array.
type Node struct {
	FameZID int    `json:"famez_id"`
	ID      string `json:"id"`
	CClass  string `json:"cclass"`
	Group   int    `json:"group"`
}

// Link mirrors one entry of the response's "links" array: every peer
// is presented as linked to the switch/broker, matching the star
// topology the mailbox imposes.
type Link struct {
	Source int `json:"source"`
	Target int `json:"target"`
}

// Snapshot is the full /gimme payload.
type Snapshot struct {
	NClients       int    `json:"nClients"`
	ServerFameZID  int    `json:"server_famez_id"`
	Nodes          []Node `json:"nodes"`
	Links          []Link `json:"links"`
}

// Source supplies the live data a request needs; *registry.Registry
// satisfies it directly.
type Source interface {
	Snapshot() []*registry.Peer
}

// Handler serves GET /gimme from a registry snapshot plus the fixed
// nClients/server id the broker was started with.
type Handler struct {
	NClients int
	ServerID int
	Peers    Source
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.snapshot()

	if r.Header.Get("ApiVersion") != "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	writeHTML(w, snap)
}

func (h *Handler) snapshot() Snapshot {
	peers := h.Peers.Snapshot()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	nodes := make([]Node, 0, len(peers)+1)
	links := make([]Link, 0, len(peers))
	for _, p := range peers {
		nodes = append(nodes, Node{
			FameZID: p.ID,
			ID:      p.Nodename,
			CClass:  p.CClass,
			Group:   1,
		})
		if p.ID != h.ServerID {
			links = append(links, Link{Source: p.ID, Target: h.ServerID})
		}
	}

	return Snapshot{
		NClients:      h.NClients,
		ServerFameZID: h.ServerID,
		Nodes:         nodes,
		Links:         links,
	}
}

func writeHTML(w http.ResponseWriter, snap Snapshot) {
	var b strings.Builder
	b.WriteString("<html><body><h1>FAME-Z fabric</h1>")
	fmt.Fprintf(&b, "<p>nClients=%d server_famez_id=%d</p>", snap.NClients, snap.ServerFameZID)
	b.WriteString("<table border=1><tr><th>famez_id</th><th>id</th><th>cclass</th></tr>")
	for _, n := range snap.Nodes {
		fmt.Fprintf(&b, "<tr><td>%d</td><td>%s</td><td>%s</td></tr>",
			n.FameZID, html.EscapeString(n.ID), html.EscapeString(n.CClass))
	}
	b.WriteString("</table></body></html>")
	w.Write([]byte(b.String()))
}
