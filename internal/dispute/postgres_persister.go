package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// PostgresPersister stores dispute snapshots in PostgreSQL. Writes are
// coalesced: PersistAsync replaces any not-yet-written snapshot instead of
// queuing behind it, so a burst of mutations costs one write. The engine
// hands over deep clones, so the worker reads them without coordination.
type PostgresPersister struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	pending []*Dispute
	kick    chan struct{}
}

func NewPostgresPersister(db *sql.DB, logger *slog.Logger) *PostgresPersister {
	return &PostgresPersister{
		db:     db,
		logger: logger.With("component", "dispute_persister"),
		kick:   make(chan struct{}, 1),
	}
}

// PersistAsync schedules a snapshot write. Never blocks the caller.
func (p *PostgresPersister) PersistAsync(snapshot []*Dispute) {
	p.mu.Lock()
	p.pending = snapshot
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drains snapshot requests until ctx is cancelled, flushing the last
// pending snapshot on shutdown.
func (p *PostgresPersister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return
		case <-p.kick:
			p.flush(ctx)
		}
	}
}

func (p *PostgresPersister) flush(ctx context.Context) {
	p.mu.Lock()
	snapshot := p.pending
	p.pending = nil
	p.mu.Unlock()
	if snapshot == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.write(writeCtx, snapshot); err != nil {
		p.logger.Error("persisting disputes failed", "count", len(snapshot), "error", err)
		return
	}
	p.logger.Debug("disputes persisted", "count", len(snapshot))
}

func (p *PostgresPersister) write(ctx context.Context, snapshot []*Dispute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range snapshot {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO disputes (id, trade_id, trader_id, closed, opened_at, data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (id) DO UPDATE SET
				closed = EXCLUDED.closed,
				data = EXCLUDED.data,
				updated_at = NOW()`,
			d.ID, d.TradeID, d.TraderID, d.Closed, d.OpeningDate, data,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadAll reads every stored dispute, for seeding the engine at startup.
func (p *PostgresPersister) LoadAll(ctx context.Context) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM disputes ORDER BY opened_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		d := &Dispute{}
		if err := json.Unmarshal(data, d); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresPersister implements Persister.
var _ Persister = (*PostgresPersister)(nil)
