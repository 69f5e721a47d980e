package models

import (
	"time"

	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
)

type TraceStatus string

const (
	TraceQueued    TraceStatus = "queued"
	TraceSent      TraceStatus = "sent"
	TraceSucceeded TraceStatus = "succeeded"
	TraceTimedOut  TraceStatus = "timed_out"
	TraceFailed    TraceStatus = "failed"
)

// TraceRequest is one user-requested network trace making its way through
// the traceroute queue.
type TraceRequest struct {
	// User is the node that asked for the trace and receives the result
	User meshtastic.NodeID
	// Dest is the node being traced
	Dest meshtastic.NodeID
	// SenderName is the requester's resolved name at enqueue time
	SenderName string

	Status      TraceStatus
	SubmittedAt time.Time
	// Correlation is the packet ID of the trace request once sent
	Correlation uint32
}
