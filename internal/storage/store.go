package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for processed heights, signals, sends, and dedupe.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Blocks are processed concurrently; SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS heights (
  source_id   TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  hash        TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS signals (
  id          TEXT PRIMARY KEY,
  source_id   TEXT NOT NULL,
  kind        TEXT NOT NULL,
  height      INTEGER NOT NULL,
  contract    TEXT NOT NULL,
  token_id    TEXT,
  recipient   TEXT,
  tx_hash     TEXT NOT NULL,
  log_index   INTEGER NOT NULL DEFAULT 0,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS signals_source_height ON signals (source_id, height);

CREATE TABLE IF NOT EXISTS sends (
  alert_id      TEXT NOT NULL,
  signal_id     TEXT NOT NULL,
  sink_id       TEXT NOT NULL,
  status        TEXT NOT NULL,
  response_code INTEGER,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(alert_id, signal_id, sink_id)
);

CREATE TABLE IF NOT EXISTS dedupe (
  key         TEXT PRIMARY KEY,
  expires_at  TIMESTAMP NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Height is the highest processed block of a source.
type Height struct {
	SourceID  string
	Height    uint64
	Hash      string
	UpdatedAt time.Time
}

// MarkProcessed records height as processed for a source. Blocks finish out of
// order, so the stored height only ever moves forward.
func (s *Store) MarkProcessed(ctx context.Context, sourceID string, height uint64, hash string) error {
	if sourceID == "" {
		return errors.New("sourceID required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO heights (source_id, height, hash, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(source_id) DO UPDATE SET
  height=excluded.height,
  hash=excluded.hash,
  updated_at=CURRENT_TIMESTAMP
WHERE excluded.height >= heights.height;
`, sourceID, height, hash)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// ProcessedHeight retrieves the highest processed height for a source.
func (s *Store) ProcessedHeight(ctx context.Context, sourceID string) (height uint64, hash string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height, hash FROM heights WHERE source_id = ?;
`, sourceID)
	switch err = row.Scan(&height, &hash); err {
	case nil:
		return height, hash, true, nil
	case sql.ErrNoRows:
		return 0, "", false, nil
	default:
		return 0, "", false, fmt.Errorf("get height: %w", err)
	}
}

// ListHeights returns every source's processed height ordered by source id.
func (s *Store) ListHeights(ctx context.Context) ([]Height, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, height, hash, updated_at FROM heights ORDER BY source_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list heights: %w", err)
	}
	defer rows.Close()

	var out []Height
	for rows.Next() {
		var h Height
		if err := rows.Scan(&h.SourceID, &h.Height, &h.Hash, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan height: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Signal is a stored deployment or mint.
type Signal struct {
	ID        string
	SourceID  string
	Kind      string
	Height    uint64
	Contract  string
	TokenID   string
	Recipient string
	TxHash    string
	LogIndex  uint
	CreatedAt time.Time
}

// SignalID derives a stable id, so reprocessing a height maps to the same rows.
func SignalID(sourceID, kind, txHash string, logIndex uint) string {
	return fmt.Sprintf("%s:%s:%s:%d", sourceID, kind, txHash, logIndex)
}

// InsertSignal stores a signal once. It reports whether a new row was written.
func (s *Store) InsertSignal(ctx context.Context, sig Signal) (bool, error) {
	if sig.SourceID == "" || sig.Kind == "" || sig.TxHash == "" {
		return false, errors.New("signal source_id, kind and tx_hash required")
	}
	if sig.ID == "" {
		sig.ID = SignalID(sig.SourceID, sig.Kind, sig.TxHash, sig.LogIndex)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO signals (id, source_id, kind, height, contract, token_id, recipient, tx_hash, log_index, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
ON CONFLICT(id) DO NOTHING;
`, sig.ID, sig.SourceID, sig.Kind, sig.Height, sig.Contract, sig.TokenID, sig.Recipient, sig.TxHash, sig.LogIndex, nullTime(sig.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert signal: %w", err)
	}
	return n > 0, nil
}

// SignalFilter narrows ListSignals. Zero values match everything.
type SignalFilter struct {
	SourceID string
	Kind     string
	From     uint64
	To       uint64
}

// ListSignals returns stored signals ordered by height, then tx and log position.
func (s *Store) ListSignals(ctx context.Context, f SignalFilter) ([]Signal, error) {
	query := `
SELECT id, source_id, kind, height, contract, COALESCE(token_id, ''), COALESCE(recipient, ''), tx_hash, log_index, created_at
FROM signals WHERE 1=1`
	var args []any
	if f.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, f.SourceID)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.From > 0 {
		query += " AND height >= ?"
		args = append(args, f.From)
	}
	if f.To > 0 {
		query += " AND height <= ?"
		args = append(args, f.To)
	}
	query += " ORDER BY source_id, height, tx_hash, log_index;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var sig Signal
		if err := rows.Scan(&sig.ID, &sig.SourceID, &sig.Kind, &sig.Height, &sig.Contract, &sig.TokenID,
			&sig.Recipient, &sig.TxHash, &sig.LogIndex, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ClaimDedupe atomically takes key until expiresAt. It reports false when the key
// is already held and has not expired at now; an expired key is taken over.
func (s *Store) ClaimDedupe(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("key required")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO dedupe (key, expires_at)
VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET expires_at=excluded.expires_at
WHERE dedupe.expires_at <= ?;
`, key, expiresAt.UTC(), now.UTC())
	if err != nil {
		return false, fmt.Errorf("claim dedupe: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim dedupe: %w", err)
	}
	return n > 0, nil
}

// Send represents a sink delivery record.
type Send struct {
	AlertID      string
	SignalID     string
	SinkID       string
	Status       string
	ResponseCode int
	CreatedAt    time.Time
}

// Send statuses.
const (
	SendOK     = "ok"
	SendFailed = "failed"
)

// InsertSend records a sink delivery attempt. A later attempt for the same
// alert, signal and sink replaces the earlier status.
func (s *Store) InsertSend(ctx context.Context, srec Send) error {
	if srec.AlertID == "" || srec.SignalID == "" || srec.SinkID == "" || srec.Status == "" {
		return errors.New("alert_id, signal_id, sink_id, and status are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sends (alert_id, signal_id, sink_id, status, response_code, created_at)
VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
ON CONFLICT(alert_id, signal_id, sink_id) DO UPDATE SET
  status=excluded.status,
  response_code=excluded.response_code,
  created_at=excluded.created_at;
`, srec.AlertID, srec.SignalID, srec.SinkID, srec.Status, srec.ResponseCode, nullTime(srec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert send: %w", err)
	}
	return nil
}

// Sent reports whether a successful delivery was already recorded.
func (s *Store) Sent(ctx context.Context, alertID, signalID, sinkID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
SELECT status FROM sends WHERE alert_id = ? AND signal_id = ? AND sink_id = ?;
`, alertID, signalID, sinkID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check send: %w", err)
	}
	return status == SendOK, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
