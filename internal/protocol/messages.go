package protocol

import (
	"fmt"
	"time"
)

// Session event kinds consumed by transports and the journal.
const (
	EventState             = "state"
	EventVADResult         = "vad_result"
	EventTranscript        = "transcript"
	EventAssistantResponse = "assistant_response"
	EventError             = "error"
)

// SessionEvent is the single envelope the runtime emits to transports and
// publishes on the bus for every observable change in a conversation.
type SessionEvent struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          string    `json:"state,omitempty"`
	Text           string    `json:"text,omitempty"`
	IsFinal        bool      `json:"is_final,omitempty"`
	Probability    float64   `json:"probability,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ClientCommand is the JSON control message a transport client may send
// alongside binary audio.
type ClientCommand struct {
	Type string `json:"type"`
}

// Client command types.
const (
	CommandStop  = "stop"
	CommandReset = "reset"
)

const (
	SubjectSessionEventPrefix   = "session.event"
	SubjectSessionEventWildcard = "session.event.>"
	SubjectNodeAnnounce         = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix  = "ctrl.node.heartbeat"
)

// SubjectSessionEvent returns the bus subject carrying events for one session.
func SubjectSessionEvent(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectSessionEventPrefix, sessionID)
}

// SubjectNodeHeartbeat returns the bus subject for one node's heartbeats.
func SubjectNodeHeartbeat(nodeID string) string {
	return fmt.Sprintf("%s.%s", SubjectNodeHeartbeatPrefix, nodeID)
}

// NodeAnnounce is broadcast when a runtime joins the bus and on capability
// changes.
type NodeAnnounce struct {
	NodeID       string           `json:"node_id"`
	Role         string           `json:"role"`
	Capabilities []NodeCapability `json:"capabilities"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NodeCapability describes one bridge backend a node offers.
type NodeCapability struct {
	Name       string            `json:"name"`
	Backend    string            `json:"backend,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeHeartbeat keeps a node's registry entry alive.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}
