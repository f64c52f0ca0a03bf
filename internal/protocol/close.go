package protocol

import "strconv"

// Close codes sent by the gateway.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Close codes the client uses when it closes the socket itself.
// CloseNormal tells the server the session is over; CloseForResume keeps it
// resumable.
const (
	CloseNormal    = 1000
	CloseForResume = 4000
)

var closeText = map[int]string{
	CloseUnknownError:         "unknown error",
	CloseUnknownOpcode:        "unknown opcode",
	CloseDecodeError:          "decode error",
	CloseNotAuthenticated:     "not authenticated",
	CloseAuthenticationFailed: "authentication failed",
	CloseAlreadyAuthenticated: "already authenticated",
	CloseInvalidSeq:           "invalid seq",
	CloseRateLimited:          "rate limited",
	CloseSessionTimedOut:      "session timed out",
	CloseInvalidShard:         "invalid shard",
	CloseShardingRequired:     "sharding required",
	CloseInvalidAPIVersion:    "invalid api version",
	CloseInvalidIntents:       "invalid intent(s)",
	CloseDisallowedIntents:    "disallowed intent(s)",
}

// CloseText returns a human readable description of a close code.
func CloseText(code int) string {
	if text, ok := closeText[code]; ok {
		return text
	}
	if code == 0 {
		return "no close code"
	}
	return "close code " + strconv.Itoa(code)
}

// Action is what a session does after its socket closes.
type Action int

const (
	// ActionResume reopens the socket and replays the session if one exists.
	ActionResume Action = iota
	// ActionFatal stops the session and reports the close upward.
	ActionFatal
)

func (a Action) String() string {
	if a == ActionFatal {
		return "fatal"
	}
	return "resume"
}

// PolicyFor maps a close code to the session's next action. Codes that are
// absent or unknown (ordinary network drops) resume.
func PolicyFor(code int) Action {
	switch code {
	case CloseAuthenticationFailed,
		CloseRateLimited,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return ActionFatal
	default:
		return ActionResume
	}
}
