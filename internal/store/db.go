// Package store provides SQLite-backed persistence for messages received
// by the sink, so risk traffic can be inspected after the fact.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/setevik/bdslink/internal/wire"
)

// Message is one stored wire message plus receive metadata.
type Message struct {
	ID         string
	RemoteAddr string
	ReceivedAt time.Time
	Envelope   wire.Envelope
}

// DB wraps an SQLite connection for message storage.
type DB struct {
	db *sql.DB
}

// Open opens or creates an SQLite database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Insert stores a received message.
func (d *DB) Insert(env *wire.Envelope, remoteAddr string) error {
	var ttc sql.NullFloat64
	if env.TTC != nil {
		ttc = sql.NullFloat64{Float64: *env.TTC, Valid: true}
	}

	_, err := d.db.Exec(`
		INSERT INTO messages (id, remote_addr, received_at, type, event, result, status, ts, distance, relative_speed, ttc, risk_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		remoteAddr,
		time.Now().UTC().Format(time.RFC3339Nano),
		string(env.Type),
		env.Name,
		env.Result,
		env.Status,
		env.Timestamp,
		env.Distance,
		env.RelativeSpeed,
		ttc,
		env.RiskScore,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// QueryFilter controls which messages are returned by Query.
type QueryFilter struct {
	Since  time.Time
	Until  time.Time
	Type   string
	Result string
	Limit  int
}

// Query returns messages matching the filter, newest first.
func (d *DB) Query(f QueryFilter) ([]*Message, error) {
	query := `SELECT id, remote_addr, received_at, type, event, result, status, ts, distance, relative_speed, ttc, risk_score
		FROM messages WHERE 1=1`
	var args []interface{}

	if !f.Since.IsZero() {
		query += " AND received_at >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND received_at <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.Result != "" {
		query += " AND result = ?"
		args = append(args, f.Result)
	}

	query += " ORDER BY received_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Count returns the total number of stored messages.
func (d *DB) Count() (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// CountByResult returns per-risk-level event counts since the given time.
func (d *DB) CountByResult(since time.Time) (map[string]int, error) {
	rows, err := d.db.Query(`
		SELECT result, COUNT(*) FROM messages
		WHERE type = 'event' AND received_at >= ?
		GROUP BY result`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var result string
		var n int
		if err := rows.Scan(&result, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[result] = n
	}
	return counts, rows.Err()
}

// Purge deletes messages older than the given retention duration.
func (d *DB) Purge(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	result, err := d.db.Exec(`DELETE FROM messages WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging old messages: %w", err)
	}
	return result.RowsAffected()
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var receivedStr string
	var event, result, status sql.NullString
	var ttc sql.NullFloat64

	err := rows.Scan(
		&m.ID,
		&m.RemoteAddr,
		&receivedStr,
		&m.Envelope.Type,
		&event,
		&result,
		&status,
		&m.Envelope.Timestamp,
		&m.Envelope.Distance,
		&m.Envelope.RelativeSpeed,
		&ttc,
		&m.Envelope.RiskScore,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	m.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedStr)
	m.Envelope.Name = event.String
	m.Envelope.Result = result.String
	m.Envelope.Status = status.String
	if ttc.Valid && !math.IsNaN(ttc.Float64) {
		v := ttc.Float64
		m.Envelope.TTC = &v
	}

	return &m, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			remote_addr    TEXT NOT NULL,
			received_at    TEXT NOT NULL,
			type           TEXT NOT NULL,
			event          TEXT,
			result         TEXT,
			status         TEXT,
			ts             REAL NOT NULL,
			distance       REAL,
			relative_speed REAL,
			ttc            REAL,
			risk_score     REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_result ON messages(result, received_at)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("database schema up to date")
	return nil
}
