// Package session is the transport between the in-page shim and the
// overlay engine: one WebSocket per page, shim observer records in, DOM
// patches out. Decoding is pure: mutation fragments travel through to the
// overlay controller, whose run loop is the only goroutine that touches
// the page's DOM mirror.
package session

import (
	"fmt"

	"github.com/sightline-dev/sightline/internal/event"
)

// inboundMessage is the JSON envelope for shim events. The init message
// opens a session; everything after is an observer record.
type inboundMessage struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	HTML     string `json:"html,omitempty"`
	ParentID int    `json:"parentId,omitempty"`
	NodeID   int    `json:"nodeId,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// outboundMessage is the JSON envelope for engine patches.
type outboundMessage struct {
	Type     string `json:"type"`
	NodeID   int    `json:"nodeId,omitempty"`
	MarginPx int    `json:"marginPx,omitempty"`
	HTML     string `json:"html,omitempty"`
	AnchorID int    `json:"anchorId,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
	URL      string `json:"url,omitempty"`
}

// decodeEvent turns a shim message into a bus event.
func decodeEvent(msg inboundMessage) (event.Event, error) {
	switch msg.Type {
	case "mutation":
		if msg.ParentID == 0 {
			return nil, fmt.Errorf("session: mutation without a parent node")
		}
		return event.Mutation{ParentID: msg.ParentID, HTML: msg.HTML}, nil
	case "intersection":
		return event.Intersection{NodeID: msg.NodeID}, nil
	case "mousemove":
		return event.MouseMove{NodeID: msg.NodeID, Offset: msg.Offset}, nil
	case "click":
		return event.Click{NodeID: msg.NodeID, Offset: msg.Offset}, nil
	case "urlchange":
		return event.URLChange{URL: msg.URL}, nil
	case "scroll":
		return event.Scroll{}, nil
	case "unload":
		return event.Unload{}, nil
	default:
		return nil, fmt.Errorf("session: unknown message type %q", msg.Type)
	}
}

// encodePatch turns an engine patch into its wire form.
func encodePatch(p event.Patch) (outboundMessage, error) {
	switch p := p.(type) {
	case event.Observe:
		return outboundMessage{Type: "observe", NodeID: p.NodeID, MarginPx: p.MarginPx}, nil
	case event.ReplaceNode:
		return outboundMessage{Type: "replace-node", NodeID: p.NodeID, HTML: p.HTML}, nil
	case event.MountToolbar:
		return outboundMessage{Type: "mount-toolbar", NodeID: p.NodeID, HTML: p.HTML}, nil
	case event.Hover:
		return outboundMessage{Type: "hover", AnchorID: p.AnchorID, HTML: p.HTML, Seq: p.Seq}, nil
	case event.ClearHover:
		return outboundMessage{Type: "clear-hover", Seq: p.Seq}, nil
	case event.Navigate:
		return outboundMessage{Type: "navigate", URL: p.URL}, nil
	default:
		return outboundMessage{}, fmt.Errorf("session: unencodable patch %T", p)
	}
}
