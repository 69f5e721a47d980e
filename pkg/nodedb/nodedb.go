// Package nodedb keeps the authoritative in-memory view of every node the
// radio has told us about, persisting each change through to the store so
// names survive restarts. Reply paths never touch the database directly,
// a failed disk write degrades persistence but never a reply.
package nodedb

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
	"github.com/osmogr/meshtastic-pingbot/pkg/store"
)

var ErrMalformedNode = errors.New("malformed node record")

type DB struct {
	store store.NodeStore
	log   *slog.Logger
	now   func() time.Time

	mu       sync.RWMutex
	byID     map[string]*models.Node
	byNum    map[uint32]*models.Node
	lastSync time.Time
}

func New(s store.NodeStore) *DB {
	return &DB{
		store: s,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
		byID:  make(map[string]*models.Node),
		byNum: make(map[uint32]*models.Node),
	}
}

// Load warms the in-memory maps from the store. Called once at startup
// before any radio traffic arrives.
func (d *DB) Load() error {
	nodes, err := d.store.GetAll()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range nodes {
		d.byID[n.NodeID] = n
		d.byNum[n.NodeNum] = n
	}
	return nil
}

// Upsert merges a partial update into the node's record. Fields the update
// does not carry keep their stored values, last_heard never regresses and
// last_seen advances to now. The merged record is written through to the
// store, a persistence failure is logged but does not fail the upsert.
func (d *DB) Upsert(update *models.Node) error {
	if update == nil {
		return ErrMalformedNode
	}
	norm := *update
	switch {
	case norm.NodeID == "" && norm.NodeNum != 0:
		norm.NodeID = meshtastic.NodeID(norm.NodeNum).String()
	case norm.NodeID != "" && norm.NodeNum == 0:
		id, err := meshtastic.ParseNodeID(norm.NodeID)
		if err != nil {
			return ErrMalformedNode
		}
		norm.NodeNum = uint32(id)
	case norm.NodeID == "" && norm.NodeNum == 0:
		return ErrMalformedNode
	}

	now := d.now()

	d.mu.Lock()
	cur, ok := d.byID[norm.NodeID]
	if !ok {
		cur = &models.Node{NodeID: norm.NodeID, NodeNum: norm.NodeNum, FirstSeen: now}
	}
	merged := merge(cur, &norm, now)
	d.byID[merged.NodeID] = merged
	d.byNum[merged.NodeNum] = merged
	d.mu.Unlock()

	if err := d.store.Save(merged); err != nil {
		d.log.Error("failed to persist node", "node_id", merged.NodeID, "error", err)
	}
	return nil
}

// merge overlays src onto dst and returns a fresh record. Absent (nil) and
// empty string fields in src never clear dst values.
func merge(dst, src *models.Node, now time.Time) *models.Node {
	out := *dst

	if src.NodeNum != 0 {
		out.NodeNum = src.NodeNum
	}
	if src.LongName != nil && *src.LongName != "" {
		out.LongName = src.LongName
	}
	if src.ShortName != nil && *src.ShortName != "" {
		out.ShortName = src.ShortName
	}
	if src.MacAddr != nil && *src.MacAddr != "" {
		out.MacAddr = src.MacAddr
	}
	if src.HwModel != nil && *src.HwModel != "" {
		out.HwModel = src.HwModel
	}
	if src.Role != nil && *src.Role != "" {
		out.Role = src.Role
	}
	if src.IsLicensed != nil {
		out.IsLicensed = src.IsLicensed
	}
	if src.ViaMqtt != nil {
		out.ViaMqtt = src.ViaMqtt
	}
	if src.HopsAway != nil {
		out.HopsAway = src.HopsAway
	}
	if src.Snr != nil {
		out.Snr = src.Snr
	}
	if src.Rssi != nil {
		out.Rssi = src.Rssi
	}
	if src.LastHeard != nil && (out.LastHeard == nil || src.LastHeard.After(*out.LastHeard)) {
		out.LastHeard = src.LastHeard
	}
	if now.After(out.LastSeen) {
		out.LastSeen = now
	}
	return &out
}

// FullSync merges a complete enumeration from the radio, taken from both
// the ID-keyed and number-keyed views the device exposes. A record that
// fails to merge is counted and skipped without aborting the rest.
func (d *DB) FullSync(byID map[string]*models.Node, byNum map[uint32]*models.Node) (applied, skipped int) {
	for id, n := range byID {
		if n == nil {
			skipped++
			d.log.Warn("skipping empty node record from sync", "node_id", id)
			continue
		}
		rec := *n
		if rec.NodeID == "" {
			rec.NodeID = id
		}
		if err := d.Upsert(&rec); err != nil {
			skipped++
			d.log.Warn("skipping node record from sync", "node_id", id, "error", err)
			continue
		}
		applied++
	}
	for num, n := range byNum {
		if n == nil {
			skipped++
			d.log.Warn("skipping empty node record from sync", "node_num", num)
			continue
		}
		rec := *n
		if rec.NodeNum == 0 {
			rec.NodeNum = num
		}
		if err := d.Upsert(&rec); err != nil {
			skipped++
			d.log.Warn("skipping node record from sync", "node_num", num, "error", err)
			continue
		}
		applied++
	}

	d.mu.Lock()
	d.lastSync = d.now()
	d.mu.Unlock()
	return applied, skipped
}

// ResolveName returns the best display name for a node reference, which is
// either a "!hex" node ID or an already-resolved name. The long name wins,
// then the short name, then the reference itself. Never empty.
func (d *DB) ResolveName(ref string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n, ok := d.byID[ref]; ok {
		if name := n.DisplayName(); name != "" {
			return name
		}
	}
	if id, err := meshtastic.ParseNodeID(ref); err == nil {
		if n, ok := d.byNum[uint32(id)]; ok {
			if name := n.DisplayName(); name != "" {
				return name
			}
		}
	}
	if ref == "" {
		return "unknown"
	}
	return ref
}

// ResolveNum is ResolveName for a numeric node address.
func (d *DB) ResolveNum(num uint32) string {
	d.mu.RLock()
	n, ok := d.byNum[num]
	d.mu.RUnlock()
	if ok {
		if name := n.DisplayName(); name != "" {
			return name
		}
	}
	return meshtastic.NodeID(num).String()
}

// Get returns a copy of the node record, if known.
func (d *DB) Get(nodeID string) (*models.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.byID[nodeID]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// Cleanup removes nodes whose last_seen is strictly older than the given
// age, from memory and the store. Returns how many were removed.
func (d *DB) Cleanup(staleAfter time.Duration) int {
	cutoff := d.now().Add(-staleAfter)

	removed := 0
	d.mu.Lock()
	for id, n := range d.byID {
		if n.LastSeen.Before(cutoff) {
			delete(d.byID, id)
			if d.byNum[n.NodeNum] == n {
				delete(d.byNum, n.NodeNum)
			}
			removed++
		}
	}
	d.mu.Unlock()

	if _, err := d.store.DeleteOlderThan(cutoff); err != nil {
		d.log.Error("failed to clean up stored nodes", "error", err)
	}
	return removed
}

// Stats summarizes the database for the dashboard.
func (d *DB) Stats() models.NodeDBStats {
	recentCutoff := d.now().Add(-24 * time.Hour)

	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := models.NodeDBStats{
		TotalNodes: len(d.byID),
		LastSync:   d.lastSync,
	}
	for _, n := range d.byID {
		if n.LongName != nil && *n.LongName != "" {
			stats.NamedNodes++
		}
		if n.LastSeen.After(recentCutoff) {
			stats.RecentNodes++
		}
	}
	if stats.TotalNodes > 0 {
		stats.CompletionRate = float64(stats.NamedNodes) / float64(stats.TotalNodes) * 100
	}
	return stats
}

// Len reports how many nodes are currently known.
func (d *DB) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
