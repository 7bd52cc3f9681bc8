package push

import "go.mongodb.org/mongo-driver/v2/bson"

// FrameKind is a bitmask tagging a unit of data flowing between stages.
type FrameKind uint8

const (
	// FrameResults carries per-push outcomes.
	FrameResults FrameKind = 1 << iota
	// FrameError carries a typed error. Combined with FrameResults it
	// affects listed pushes only; alone it is a connection-level error
	// spanning every message the connection was serving.
	FrameError
	// FrameCmd carries a control signal.
	FrameCmd
	// FrameEnd, combined with FrameCmd, tells a stage to flush and finish.
	FrameEnd
)

// Delivered is one successfully delivered push. Token is set only when the
// provider rotated the device token; the resultor persists the new value.
type Delivered struct {
	ID         bson.ObjectID
	ProviderID string // provider response id, kept in push_stats when enabled
	Token      string // rotated token, empty when unchanged
}

// Frame is the tagged unit exchanged between pipeline stages.
type Frame struct {
	Kind    FrameKind
	Results []Delivered
	Err     *SendError
}

// NewResults wraps successful deliveries into a results frame.
func NewResults(results []Delivered) Frame {
	return Frame{Kind: FrameResults, Results: results}
}

// NewError wraps a typed error affecting the listed pushes only.
func NewError(err *SendError) Frame {
	return Frame{Kind: FrameResults | FrameError, Err: err}
}

// NewConnectionFrame wraps a connection-level error affecting a whole run.
func NewConnectionFrame(err *SendError) Frame {
	return Frame{Kind: FrameError, Err: err}
}

// NewEnd creates the termination control frame.
func NewEnd() Frame {
	return Frame{Kind: FrameCmd | FrameEnd}
}

func (f Frame) IsEnd() bool     { return f.Kind&FrameCmd != 0 && f.Kind&FrameEnd != 0 }
func (f Frame) IsCmd() bool     { return f.Kind&FrameCmd != 0 }
func (f Frame) IsResults() bool { return f.Kind&FrameResults != 0 }
func (f Frame) IsError() bool   { return f.Kind&FrameError != 0 }
