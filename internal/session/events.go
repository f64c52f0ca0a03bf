package session

import (
	"time"

	"github.com/rickgao/gateway-shards/internal/codec"
)

// State is a position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateClosing
	StateReconnecting
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateConnecting:    "connecting",
	StateAwaitingHello: "awaiting_hello",
	StateIdentifying:   "identifying",
	StateResuming:      "resuming",
	StateReady:         "ready",
	StateClosing:       "closing",
	StateReconnecting:  "reconnecting",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Dispatch is one application event (op 0) received by a shard.
type Dispatch struct {
	Shard      int
	Type       string // Event name, e.g. "MESSAGE_CREATE"
	Seq        int64
	SessionID  string
	Data       any // Decoded "d" payload
	ReceivedAt time.Time
}

// Decode copies the event payload into v.
func (d Dispatch) Decode(v any) error {
	return codec.Into(d.Data, v)
}

// LifecycleKind classifies a Lifecycle notification.
type LifecycleKind string

const (
	LifecycleStateChanged     LifecycleKind = "state_changed"
	LifecycleConnectionOpened LifecycleKind = "connection_opened"
	LifecycleConnectionClosed LifecycleKind = "connection_closed"
	LifecycleHandshakeDone    LifecycleKind = "handshake_complete"
	LifecycleResuming         LifecycleKind = "resuming"
	LifecycleHeartbeatSent    LifecycleKind = "heartbeat_sent"
	LifecycleHeartbeatAcked   LifecycleKind = "heartbeat_acked"
	LifecycleFatal            LifecycleKind = "fatal"
	LifecycleDebug            LifecycleKind = "debug"
)

// Lifecycle is an observability notification about a shard's connection.
// Only the fields relevant to Kind are set.
type Lifecycle struct {
	Shard   int
	Kind    LifecycleKind
	State   State // State after the event
	From    State // Previous state (state_changed only)
	Code    int   // Close code (connection_closed only)
	Reason  string
	Resumed bool          // handshake_complete via RESUMED
	Latency time.Duration // heartbeat_acked only
	Err     error
	Message string
	At      time.Time
}

// Sink receives a session's output. Nil channels are skipped.
// Dispatch sends block so that no event is lost; Lifecycle sends never
// block and drop when the channel is full.
type Sink struct {
	Dispatch  chan<- Dispatch
	Lifecycle chan<- Lifecycle
}
