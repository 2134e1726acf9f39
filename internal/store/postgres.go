package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Schema (managed by deployment tooling, shown here for reference):
//
//	CREATE TABLE tenant_credential (
//	    tenant_id            text PRIMARY KEY,
//	    client_id            text NOT NULL,
//	    data_center          text NOT NULL,
//	    base_url             text NOT NULL,
//	    instance             text NOT NULL,
//	    display_name         text NOT NULL DEFAULT '',
//	    enc_client_secret    bytea NOT NULL,
//	    enc_refresh_token    bytea NOT NULL DEFAULT '',
//	    enc_access_token     bytea NOT NULL DEFAULT '',
//	    access_expires_at    timestamptz NOT NULL DEFAULT 'epoch',
//	    scopes               jsonb NOT NULL DEFAULT '[]',
//	    needs_reauth         boolean NOT NULL DEFAULT false,
//	    last_refresh         timestamptz NOT NULL DEFAULT 'epoch',
//	    consecutive_failures int NOT NULL DEFAULT 0,
//	    breaker_state        jsonb NOT NULL DEFAULT '{}',
//	    created_at           timestamptz NOT NULL DEFAULT now(),
//	    updated_at           timestamptz NOT NULL DEFAULT now()
//	);

// Postgres is the durable Store. Each record lives in a single row, so
// the single-statement upsert gives readers an all-or-nothing view.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open creates a PostgreSQL connection pool and verifies connectivity.
func Open(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const recordColumns = `tenant_id, client_id, data_center, base_url, instance, display_name,
	enc_client_secret, enc_refresh_token, enc_access_token,
	access_expires_at, scopes, needs_reauth, last_refresh,
	consecutive_failures, breaker_state, created_at, updated_at`

func (p *Postgres) Get(ctx context.Context, tenantID string) (*Record, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM tenant_credential WHERE tenant_id = $1`, tenantID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapPgErr(err)
	}
	return rec, nil
}

func (p *Postgres) Upsert(ctx context.Context, rec *Record) error {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	breaker, err := json.Marshal(rec.Breaker)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO tenant_credential (
			tenant_id, client_id, data_center, base_url, instance, display_name,
			enc_client_secret, enc_refresh_token, enc_access_token,
			access_expires_at, scopes, needs_reauth, last_refresh,
			consecutive_failures, breaker_state, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			enc_client_secret    = excluded.enc_client_secret,
			enc_refresh_token    = excluded.enc_refresh_token,
			enc_access_token     = excluded.enc_access_token,
			access_expires_at    = excluded.access_expires_at,
			scopes               = excluded.scopes,
			needs_reauth         = excluded.needs_reauth,
			last_refresh         = excluded.last_refresh,
			consecutive_failures = excluded.consecutive_failures,
			breaker_state        = excluded.breaker_state,
			display_name         = excluded.display_name,
			updated_at           = now()`,
		rec.Tenant.ID, rec.Tenant.ClientID, string(rec.Tenant.DataCenter),
		rec.Tenant.BaseURL, rec.Tenant.Instance, rec.Tenant.DisplayName,
		rec.EncClientSecret, rec.EncRefreshToken, rec.EncAccessToken,
		rec.AccessExpiresAt, scopes, rec.NeedsReauth, rec.LastRefresh,
		rec.ConsecutiveFailures, breaker, rec.Tenant.CreatedAt)
	return wrapPgErr(err)
}

func (p *Postgres) MarkNeedsReauth(ctx context.Context, tenantID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE tenant_credential SET needs_reauth = true, updated_at = now()
		 WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return wrapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListActive(ctx context.Context) ([]*Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM tenant_credential
		 WHERE needs_reauth = false AND length(enc_refresh_token) > 0`)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapPgErr(err)
		}
		out = append(out, rec)
	}
	return out, wrapPgErr(rows.Err())
}

func (p *Postgres) Delete(ctx context.Context, tenantID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM tenant_credential WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return wrapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec     Record
		dc      string
		scopes  []byte
		breaker []byte
	)
	if err := row.Scan(
		&rec.Tenant.ID, &rec.Tenant.ClientID, &dc,
		&rec.Tenant.BaseURL, &rec.Tenant.Instance, &rec.Tenant.DisplayName,
		&rec.EncClientSecret, &rec.EncRefreshToken, &rec.EncAccessToken,
		&rec.AccessExpiresAt, &scopes, &rec.NeedsReauth, &rec.LastRefresh,
		&rec.ConsecutiveFailures, &breaker, &rec.Tenant.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Tenant.DataCenter = DataCenter(dc)
	if err := json.Unmarshal(scopes, &rec.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	if err := json.Unmarshal(breaker, &rec.Breaker); err != nil {
		return nil, fmt.Errorf("unmarshal breaker state: %w", err)
	}
	return &rec, nil
}

// wrapPgErr maps connectivity-level failures to ErrStorageUnavailable so
// callers can distinguish retryable store trouble from data errors.
func wrapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection_exception.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return err
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
