package radio

import (
	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
)

// TextMessage is a decoded text packet from the mesh.
type TextMessage struct {
	From meshtastic.NodeID
	To   meshtastic.NodeID
	// Channel is the channel index the packet arrived on
	Channel uint32
	Body    string

	// IsDirect is true when the packet was addressed to our own node number.
	// Broadcasts and DMs overheard between other nodes are not direct.
	IsDirect bool

	RxRssi   int32
	RxSnr    float32
	HopLimit uint32
	HopStart uint32
	ViaMqtt  bool
}

// TraceResponse is the answer to a traceroute we sent. Correlation carries
// the packet ID of our request.
type TraceResponse struct {
	Correlation uint32
	From        meshtastic.NodeID

	// Route and SnrTowards describe the path our request took, RouteBack
	// and SnrBack the reply's path home. SNR values are stored as dB * 4,
	// math.MinInt8 marks an unknown reading.
	Route      []uint32
	SnrTowards []int32
	RouteBack  []uint32
	SnrBack    []int32

	RxRssi   int32
	RxSnr    float32
	HopLimit uint32
	HopStart uint32
}

// EventHandler receives everything the session decodes. Calls arrive from
// the session's receive goroutine, one at a time.
type EventHandler interface {
	// Connected fires once per successful handshake, after the node
	// enumeration finished streaming.
	Connected(self meshtastic.NodeID)
	// LinkLost fires when an established connection drops. In-flight
	// request/response work must be failed by the handler.
	LinkLost(err error)
	// SyncComplete delivers the device's node enumeration, keyed both
	// ways the device exposes it.
	SyncComplete(byID map[string]*models.Node, byNum map[uint32]*models.Node)
	TextMessage(msg TextMessage)
	// NodeUpdate delivers a partial node record from live traffic.
	NodeUpdate(node *models.Node)
	// NeighborInfo delivers a node's reported neighbor table: the
	// reporting node plus one partial record per neighbor it hears.
	NeighborInfo(sender *models.Node, neighbors []*models.Node)
	TraceResponse(resp TraceResponse)
}
