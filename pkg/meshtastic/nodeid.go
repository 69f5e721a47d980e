package meshtastic

import (
	"fmt"
	"strconv"
	"strings"
)

// BROADCAST_ID is the node number the firmware uses for broadcast packets
// and as a placeholder for unknown hops in route discovery results.
const BROADCAST_ID = 0xFFFFFFFF

// NodeID is a Meshtastic node number. Its canonical textual form is the
// node number rendered as "!" followed by eight lowercase hex digits,
// matching the user IDs the firmware assigns.
type NodeID uint32

func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// IsBroadcast reports whether the ID addresses every node on the mesh.
func (n NodeID) IsBroadcast() bool {
	return uint32(n) == BROADCAST_ID
}

// ParseNodeID parses the textual "!hexhexhe" form of a node ID.
func ParseNodeID(s string) (NodeID, error) {
	raw, ok := strings.CutPrefix(s, "!")
	if !ok || len(raw) != 8 {
		return 0, fmt.Errorf("invalid node ID %q", s)
	}
	num, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node ID %q: %w", s, err)
	}
	return NodeID(num), nil
}
