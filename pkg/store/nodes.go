package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
)

var selectNodes = `SELECT * FROM nodes`

// ListOptions controls filtering, ordering and pagination of node listings.
type ListOptions struct {
	// Search matches against node ID, long name and short name
	Search string
	SortBy string
	// Order is "asc" or "desc", anything else falls back to descending
	Order  string
	Limit  int
	Offset int
}

// sortColumns whitelists the columns a listing may be ordered by. Anything
// not in here falls back to last_seen so request parameters can never reach
// the SQL string.
var sortColumns = map[string]string{
	"node_id":    "node_id",
	"long_name":  "long_name",
	"short_name": "short_name",
	"hops_away":  "hops_away",
	"snr":        "snr",
	"rssi":       "rssi",
	"last_heard": "last_heard",
	"first_seen": "first_seen",
	"last_seen":  "last_seen",
}

// NodeStore provides database operations for mesh nodes.
type NodeStore interface {
	// GetByID retrieves a node by its "!hex" node ID.
	GetByID(nodeID string) (*models.Node, error)
	// GetAll retrieves every node, used to warm the in-memory database at startup.
	GetAll() ([]*models.Node, error)
	// Save inserts or updates a node record. first_seen is preserved on update.
	Save(node *models.Node) error
	// DeleteOlderThan removes nodes not seen since the cutoff and reports how many.
	DeleteOlderThan(cutoff time.Time) (int64, error)
	// List returns a filtered page of nodes plus the total match count.
	List(opts ListOptions) ([]*models.Node, int, error)
}

type sqliteNodeStore struct {
	db *sqlx.DB
}

// NewNodeStore creates a new node store.
func NewNodeStore(dbconn *sqlx.DB) NodeStore {
	return &sqliteNodeStore{db: dbconn}
}

// GetByID retrieves a node by its "!hex" node ID.
func (s *sqliteNodeStore) GetByID(nodeID string) (*models.Node, error) {
	query := selectNodes + " WHERE node_id = ?;"
	var node models.Node
	err := s.db.Get(&node, query, nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// GetAll retrieves every node from the database.
func (s *sqliteNodeStore) GetAll() ([]*models.Node, error) {
	query := selectNodes + ";"
	nodes := []*models.Node{}
	err := s.db.Select(&nodes, query)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Save inserts or updates a node in the database.
func (s *sqliteNodeStore) Save(node *models.Node) error {
	stmt := `
	INSERT INTO nodes (node_id, node_num, long_name, short_name, mac_addr, hw_model,
	                   role, is_licensed, via_mqtt, hops_away, snr, rssi, last_heard,
	                   first_seen, last_seen)
	VALUES (:node_id, :node_num, :long_name, :short_name, :mac_addr, :hw_model,
	        :role, :is_licensed, :via_mqtt, :hops_away, :snr, :rssi, :last_heard,
	        :first_seen, :last_seen)
	ON CONFLICT (node_id)
	DO UPDATE SET
		node_num = :node_num,
		long_name = :long_name,
		short_name = :short_name,
		mac_addr = :mac_addr,
		hw_model = :hw_model,
		role = :role,
		is_licensed = :is_licensed,
		via_mqtt = :via_mqtt,
		hops_away = :hops_away,
		snr = :snr,
		rssi = :rssi,
		last_heard = :last_heard,
		last_seen = :last_seen
	;`

	_, err := s.db.NamedExec(stmt, node)
	return err
}

// DeleteOlderThan removes nodes whose last_seen is before the cutoff.
func (s *sqliteNodeStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM nodes WHERE last_seen < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// List returns a filtered, ordered page of nodes and the total match count.
func (s *sqliteNodeStore) List(opts ListOptions) ([]*models.Node, int, error) {
	where := ""
	args := []any{}
	if opts.Search != "" {
		where = " WHERE node_id LIKE ? OR long_name LIKE ? OR short_name LIKE ?"
		pattern := "%" + opts.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}

	var total int
	if err := s.db.Get(&total, "SELECT COUNT(*) FROM nodes"+where+";", args...); err != nil {
		return nil, 0, err
	}

	col, ok := sortColumns[opts.SortBy]
	if !ok {
		col = "last_seen"
	}
	dir := "DESC"
	if opts.Order == "asc" {
		dir = "ASC"
	}

	query := fmt.Sprintf("%s%s ORDER BY %s IS NULL, %s %s", selectNodes, where, col, col, dir)
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	nodes := []*models.Node{}
	if err := s.db.Select(&nodes, query+";", args...); err != nil {
		return nil, 0, err
	}
	return nodes, total, nil
}
