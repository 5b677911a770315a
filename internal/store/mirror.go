// Package store mirrors committed ledger state into Postgres for off-ledger
// audit and reporting. The in-memory maps stay authoritative; mirror writes
// happen after each commit and a failed write never unwinds the operation
// that produced it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit-ledger/internal/registry"
	"transit-ledger/internal/reliability"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Mirror struct {
	db *sql.DB
}

func Open(dsn string) (*Mirror, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Mirror{db: db}, nil
}

func (m *Mirror) Close() error { return m.db.Close() }

func (m *Mirror) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.db.PingContext(ctx)
}

// EnsureSchema creates the mirror tables if they do not exist.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id BIGINT PRIMARY KEY,
			route TEXT NOT NULL,
			version BIGINT NOT NULL,
			content_hash BYTEA NOT NULL,
			publisher TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			published_ts BIGINT NOT NULL,
			signature BYTEA NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (route, version)
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_versions (
			schedule_id BIGINT NOT NULL,
			version BIGINT NOT NULL,
			content_hash BYTEA NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			published_ts BIGINT NOT NULL,
			PRIMARY KEY (schedule_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS arrivals (
			id BIGINT PRIMARY KEY,
			route TEXT NOT NULL,
			stop TEXT NOT NULL,
			vehicle TEXT NOT NULL,
			actual_ts BIGINT NOT NULL,
			scheduled_ts BIGINT NOT NULL,
			deviation BIGINT NOT NULL,
			abs_deviation BIGINT NOT NULL,
			on_time BOOLEAN NOT NULL,
			dwell_seconds BIGINT NOT NULL,
			service_date BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS route_day_aggregates (
			route TEXT NOT NULL,
			service_date BIGINT NOT NULL,
			count BIGINT NOT NULL,
			on_time BIGINT NOT NULL,
			sum_deviation BIGINT NOT NULL,
			sum_abs_deviation BIGINT NOT NULL,
			total_dwell BIGINT NOT NULL,
			PRIMARY KEY (route, service_date)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RecordSchedule mirrors a committed publication: the primary row and its
// version snapshot row.
func (m *Mirror) RecordSchedule(ctx context.Context, s registry.Schedule) error {
	q := `INSERT INTO schedules (id, route, version, content_hash, publisher, notes, published_ts, signature, active)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	      ON CONFLICT (id) DO NOTHING`
	if _, err := m.db.ExecContext(ctx, q,
		int64(s.ID), s.Route, int64(s.Version), s.Hash[:], string(s.Publisher),
		s.Notes, int64(s.Timestamp), s.Signature[:], s.Active,
	); err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	q = `INSERT INTO schedule_versions (schedule_id, version, content_hash, notes, published_ts)
	     VALUES ($1, $2, $3, $4, $5)
	     ON CONFLICT (schedule_id, version) DO NOTHING`
	if _, err := m.db.ExecContext(ctx, q,
		int64(s.ID), int64(s.Version), s.Hash[:], s.Notes, int64(s.Timestamp),
	); err != nil {
		return fmt.Errorf("insert schedule version: %w", err)
	}
	return nil
}

// RecordDeprecation mirrors the one-way active flip.
func (m *Mirror) RecordDeprecation(ctx context.Context, id uint64) error {
	q := `UPDATE schedules SET active = FALSE WHERE id = $1`
	if _, err := m.db.ExecContext(ctx, q, int64(id)); err != nil {
		return fmt.Errorf("mark deprecated: %w", err)
	}
	return nil
}

// RecordArrival mirrors a committed arrival event and its aggregate, in the
// same add-in-place manner the in-memory fold uses.
func (m *Mirror) RecordArrival(ctx context.Context, a reliability.Arrival) error {
	q := `INSERT INTO arrivals (id, route, stop, vehicle, actual_ts, scheduled_ts, deviation, abs_deviation, on_time, dwell_seconds, service_date)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	      ON CONFLICT (id) DO NOTHING`
	if _, err := m.db.ExecContext(ctx, q,
		int64(a.ID), a.Route, a.Stop, a.Vehicle, int64(a.ActualTS), int64(a.ScheduledTS),
		a.Deviation, int64(a.AbsDeviation), a.OnTime, int64(a.DwellSeconds), int64(a.ServiceDate),
	); err != nil {
		return fmt.Errorf("insert arrival: %w", err)
	}

	onTime := int64(0)
	if a.OnTime {
		onTime = 1
	}
	q = `INSERT INTO route_day_aggregates (route, service_date, count, on_time, sum_deviation, sum_abs_deviation, total_dwell)
	     VALUES ($1, $2, 1, $3, $4, $5, $6)
	     ON CONFLICT (route, service_date) DO UPDATE SET
	       count = route_day_aggregates.count + 1,
	       on_time = route_day_aggregates.on_time + EXCLUDED.on_time,
	       sum_deviation = route_day_aggregates.sum_deviation + EXCLUDED.sum_deviation,
	       sum_abs_deviation = route_day_aggregates.sum_abs_deviation + EXCLUDED.sum_abs_deviation,
	       total_dwell = route_day_aggregates.total_dwell + EXCLUDED.total_dwell`
	if _, err := m.db.ExecContext(ctx, q,
		a.Route, int64(a.ServiceDate), onTime, a.Deviation, int64(a.AbsDeviation), int64(a.DwellSeconds),
	); err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}
