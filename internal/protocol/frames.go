package protocol

import "fmt"

// Frame is the envelope of every gateway message.
// D is left untyped; use codec.Into to view it as one of the payload types
// below.
type Frame struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
	S  *int64 `json:"s,omitempty"`
	T  string `json:"t,omitempty"`
}

func (f Frame) String() string {
	if f.Op == OpDispatch {
		return fmt.Sprintf("%s %s", f.Op, f.T)
	}
	return f.Op.String()
}

// Hello is the payload of op 10.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Ready is the subset of the READY dispatch payload the session keeps.
type Ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Shard            []int  `json:"shard,omitempty"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the payload of op 2.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Intents        *int               `json:"intents,omitempty"`
}

// Resume is the payload of op 6.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       *int64 `json:"seq"`
}

// HeartbeatFrame builds an op 1 frame carrying the last seen sequence, or
// null when none has been seen.
func HeartbeatFrame(seq *int64) Frame {
	f := Frame{Op: OpHeartbeat}
	if seq != nil {
		f.D = *seq
	}
	return f
}

// IdentifyFrame wraps an identify payload.
func IdentifyFrame(id Identify) Frame {
	return Frame{Op: OpIdentify, D: id}
}

// ResumeFrame wraps a resume payload.
func ResumeFrame(r Resume) Frame {
	return Frame{Op: OpResume, D: r}
}
