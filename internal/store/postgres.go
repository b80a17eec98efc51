package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"VoiceBargainer/internal/model"
)

// PostgresStore 会话以JSONB存储，写入用 || 做顶层字段合并
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 表结构由 database.Migrate 创建
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const upsertSessionSQL = `
INSERT INTO call_sessions (call_id, doc, created_at, updated_at)
VALUES ($1, $2::jsonb, now(), now())
ON CONFLICT (call_id) DO UPDATE
SET doc = call_sessions.doc || EXCLUDED.doc,
    updated_at = now()`

func (p *PostgresStore) Get(ctx context.Context, callID string) (*model.CallSession, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM call_sessions WHERE call_id = $1`, callID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.SessionNotFound(callID)
	}
	if err != nil {
		return nil, model.Transient("postgres", "select session", err)
	}
	return model.DecodeSession(raw)
}

func (p *PostgresStore) Set(ctx context.Context, callID string, patch model.SessionPatch) error {
	fields, err := patch.Fields()
	if err != nil {
		return err
	}
	raw, err := fieldsJSON(fields)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, upsertSessionSQL, callID, string(raw)); err != nil {
		return model.Transient("postgres", "upsert session", fmt.Errorf("session %s: %w", callID, err))
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, callID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM call_sessions WHERE call_id = $1`, callID); err != nil {
		return model.Transient("postgres", "delete session", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const upsertDealSQL = `
INSERT INTO deals (call_id, trip_id, vendor_name, phone, service_type, negotiated_price, status, rounds, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (call_id) DO UPDATE
SET negotiated_price = EXCLUDED.negotiated_price,
    status = EXCLUDED.status,
    rounds = EXCLUDED.rounds,
    closed_at = EXCLUDED.closed_at`

// SaveDeal 写入成交记录
func (p *PostgresStore) SaveDeal(ctx context.Context, d *model.Deal) error {
	_, err := p.pool.Exec(ctx, upsertDealSQL,
		d.CallID, d.TripID, d.VendorName, d.Phone, d.ServiceType, d.NegotiatedPrice, d.Status, d.Rounds, d.ClosedAt)
	if err != nil {
		return model.Transient("postgres", "upsert deal", err)
	}
	return nil
}

// ListDeals 按成交价升序
func (p *PostgresStore) ListDeals(ctx context.Context, tripID string) ([]model.Deal, error) {
	rows, err := p.pool.Query(ctx, `
SELECT call_id, trip_id, vendor_name, phone, service_type, negotiated_price, status, rounds, closed_at
FROM deals WHERE trip_id = $1 ORDER BY negotiated_price ASC`, tripID)
	if err != nil {
		return nil, model.Transient("postgres", "list deals", err)
	}
	deals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Deal, error) {
		var d model.Deal
		err := row.Scan(&d.CallID, &d.TripID, &d.VendorName, &d.Phone, &d.ServiceType,
			&d.NegotiatedPrice, &d.Status, &d.Rounds, &d.ClosedAt)
		return d, err
	})
	if err != nil {
		return nil, model.Transient("postgres", "scan deals", err)
	}
	return deals, nil
}

func fieldsJSON(fields model.Document) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal session fields: %w", err)
	}
	return raw, nil
}
