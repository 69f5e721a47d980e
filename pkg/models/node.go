package models

import "time"

// Node is a single entry in the mesh node database. Fields that the radio
// may not have reported yet are pointers so a partial update can be merged
// without wiping what an earlier packet already told us.
type Node struct {
	// NodeID is the canonical "!hex" user ID assigned by the firmware
	NodeID string `db:"node_id"`
	// NodeNum is the numeric address used on the wire
	NodeNum uint32 `db:"node_num"`

	LongName   *string `db:"long_name"`
	ShortName  *string `db:"short_name"`
	MacAddr    *string `db:"mac_addr"`
	HwModel    *string `db:"hw_model"`
	Role       *string `db:"role"`
	IsLicensed *bool   `db:"is_licensed"`

	// ViaMqtt marks nodes only reachable through an MQTT gateway
	ViaMqtt  *bool    `db:"via_mqtt"`
	HopsAway *int64   `db:"hops_away"`
	Snr      *float64 `db:"snr"`
	Rssi     *int64   `db:"rssi"`

	// LastHeard is the device-reported time the node was last heard on air
	LastHeard *time.Time `db:"last_heard"`
	// FirstSeen is when this node first appeared in our database
	FirstSeen time.Time `db:"first_seen"`
	// LastSeen is the last time any event or sync touched this record
	LastSeen time.Time `db:"last_seen"`
}

// DisplayName returns the best human-readable name for the node, falling
// back to the short name and finally the raw node ID. Never empty for a
// node with a valid ID.
func (n *Node) DisplayName() string {
	if n.LongName != nil && *n.LongName != "" {
		return *n.LongName
	}
	if n.ShortName != nil && *n.ShortName != "" {
		return *n.ShortName
	}
	return n.NodeID
}

// NodeDBStats summarizes the state of the node database for the dashboard.
type NodeDBStats struct {
	TotalNodes     int       `json:"total_nodes"`
	NamedNodes     int       `json:"named_nodes"`
	RecentNodes    int       `json:"recent_nodes"`
	CompletionRate float64   `json:"completion_rate"`
	LastSync       time.Time `json:"last_sync"`
}
