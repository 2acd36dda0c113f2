// Package archive keeps the final record of every ended call in Postgres.
package archive

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/logging"
	"github.com/harunnryd/callpilot/pkg/session"
)

//go:embed schema.sql
var schemaSQL string

const upsertSQL = `
INSERT INTO call_sessions (
    call_id, stream_id, status, caller_number, forwarded_to, params,
    transcript, card, card_sequence, activity, booking, notice,
    audio_seconds, started_at, ended_at, archived_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
ON CONFLICT (call_id) DO UPDATE SET
    stream_id     = EXCLUDED.stream_id,
    status        = EXCLUDED.status,
    caller_number = EXCLUDED.caller_number,
    forwarded_to  = EXCLUDED.forwarded_to,
    params        = EXCLUDED.params,
    transcript    = EXCLUDED.transcript,
    card          = EXCLUDED.card,
    card_sequence = EXCLUDED.card_sequence,
    activity      = EXCLUDED.activity,
    booking       = EXCLUDED.booking,
    notice        = EXCLUDED.notice,
    audio_seconds = EXCLUDED.audio_seconds,
    started_at    = EXCLUDED.started_at,
    ended_at      = EXCLUDED.ended_at,
    archived_at   = now()`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres upserts session snapshots into call_sessions. Audio is never
// stored.
type Postgres struct {
	db   execer
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open connects to databaseURL and applies the embedded schema.
func Open(ctx context.Context, databaseURL string, log *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonArchiveWrite, "archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errorsx.Errorf(errorsx.ReasonArchiveWrite, "archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, errorsx.Errorf(errorsx.ReasonArchiveWrite, "archive: apply schema: %w", err)
	}
	p := newPostgres(pool, log)
	p.pool = pool
	p.log.Info("archive_ready")
	return p, nil
}

func newPostgres(db execer, log *slog.Logger) *Postgres {
	return &Postgres{db: db, log: logging.NewComponentLogger(log, "archive")}
}

func (p *Postgres) Archive(ctx context.Context, snap session.Snapshot) error {
	args, err := row(snap)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonArchiveWrite, "archive: encode %s: %w", snap.CallID, err)
	}
	if _, err := p.db.Exec(ctx, upsertSQL, args...); err != nil {
		return errorsx.Errorf(errorsx.ReasonArchiveWrite, "archive: upsert %s: %w", snap.CallID, err)
	}
	p.log.Debug("session_archived", "call_id", snap.CallID, "status", string(snap.Status))
	return nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// row maps a snapshot onto the upsert parameters in column order.
func row(snap session.Snapshot) ([]any, error) {
	params := snap.Metadata.Params
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	activity := snap.Activity
	if activity == nil {
		activity = []session.ActivityEntry{}
	}
	activityJSON, err := json.Marshal(activity)
	if err != nil {
		return nil, err
	}
	var card []byte
	var cardSeq *int64
	if snap.AI != nil {
		if card, err = json.Marshal(snap.AI.Card); err != nil {
			return nil, err
		}
		seq := snap.AI.Sequence
		cardSeq = &seq
	}
	var booking []byte
	if len(snap.Booking) > 0 {
		booking = []byte(snap.Booking)
	}
	var endedAt *time.Time
	if snap.EndedAt != nil {
		t := snap.EndedAt.UTC()
		endedAt = &t
	}
	return []any{
		snap.CallID,
		snap.StreamID,
		string(snap.Status),
		snap.Metadata.CallerNumber,
		snap.Metadata.ForwardedTo,
		paramsJSON,
		snap.Transcript.Final,
		card,
		cardSeq,
		activityJSON,
		booking,
		snap.Notice,
		snap.AudioSeconds,
		snap.StartedAt.UTC(),
		endedAt,
	}, nil
}
