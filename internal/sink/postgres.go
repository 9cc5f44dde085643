package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type postgresSender struct {
	db    execer
	close func()
	table string

	mu    sync.Mutex
	ready bool
}

// NewPostgresSender writes each payload as a row of table. The table is created on first use.
func NewPostgresSender(ctx context.Context, dsn, table string) (Sender, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if table == "" {
		return nil, fmt.Errorf("pg table is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg pool: %w", err)
	}
	return &postgresSender{db: pool, close: pool.Close, table: table}, nil
}

func (s *postgresSender) ensureTable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			alert_id   TEXT NOT NULL,
			signal_id  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			source_id  TEXT NOT NULL,
			height     BIGINT NOT NULL,
			contract   TEXT NOT NULL,
			token_id   TEXT,
			recipient  TEXT,
			tx_hash    TEXT NOT NULL,
			log_index  INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (alert_id, signal_id)
		)`, s.table))
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	s.ready = true
	return nil
}

func (s *postgresSender) Send(ctx context.Context, payload EventPayload) error {
	if err := s.ensureTable(ctx); err != nil {
		return err
	}
	var tokenID, recipient any
	if payload.TokenID != "" {
		tokenID = payload.TokenID
	}
	if payload.To != "" {
		recipient = payload.To
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			alert_id, signal_id, kind, source_id, height, contract, token_id, recipient, tx_hash, log_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (alert_id, signal_id) DO NOTHING`, s.table),
		payload.AlertID,
		payload.SignalID,
		payload.Kind,
		payload.SourceID,
		int64(payload.Height),
		payload.Contract,
		tokenID,
		recipient,
		payload.TxHash,
		int64(payload.LogIndex),
	)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

func (s *postgresSender) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
