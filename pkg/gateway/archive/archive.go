// Package archive persists finished calls to Postgres so transcripts outlive
// the in-memory store's TTL. Entirely optional: a nil *Archive is a no-op.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voxdial/voxdial/pkg/core"
	"github.com/voxdial/voxdial/pkg/core/callctx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Archive writes call records and serves transcript lookups for calls no
// longer in memory.
type Archive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects, migrates, and returns a ready archive.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Archive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("archive dsn is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := migrate(dsn); err != nil {
		return nil, fmt.Errorf("migrating archive schema: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening archive pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging archive: %w", err)
	}
	return &Archive{pool: pool, logger: logger}, nil
}

// migrate runs goose over database/sql; the pgx stdlib driver shares the DSN
// with the pool.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// SaveCall writes the call row and its transcript in one transaction.
// Re-saving the same token replaces the transcript, so a retried save after
// a partial failure converges.
func (a *Archive) SaveCall(ctx context.Context, cc callctx.CallContext) error {
	if a == nil || a.pool == nil {
		return nil
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var completedAt any
	if !cc.CompletedAt.IsZero() {
		completedAt = cc.CompletedAt
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO calls (token, call_sid, to_number, from_number, script, persona, situation, created_at, completed_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (token) DO UPDATE SET
			call_sid     = EXCLUDED.call_sid,
			completed_at = EXCLUDED.completed_at`,
		cc.Token, cc.CallSID, cc.To, cc.From, cc.Script, cc.Persona, cc.Situation, cc.CreatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("inserting call row: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_entries WHERE call_token = $1`, cc.Token); err != nil {
		return fmt.Errorf("clearing transcript rows: %w", err)
	}
	for i, entry := range cc.Transcript {
		_, err := tx.Exec(ctx, `
			INSERT INTO transcript_entries (call_token, seq, role, text, spoken_at)
			VALUES ($1, $2, $3, $4, $5)`,
			cc.Token, i, string(entry.Role), entry.Text, entry.Timestamp)
		if err != nil {
			return fmt.Errorf("inserting transcript row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing archive tx: %w", err)
	}
	a.logger.Info("archived call",
		"token", cc.Token, "call_sid", cc.CallSID, "entries", len(cc.Transcript))
	return nil
}

// TranscriptByCallSID serves transcript lookups for evicted calls.
func (a *Archive) TranscriptByCallSID(ctx context.Context, callSID string) ([]callctx.Entry, error) {
	if a == nil || a.pool == nil {
		return nil, core.NewNotFound("call not found")
	}

	rows, err := a.pool.Query(ctx, `
		SELECT te.role, te.text, te.spoken_at
		FROM transcript_entries te
		JOIN calls c ON c.token = te.call_token
		WHERE c.call_sid = $1
		ORDER BY te.seq`, callSID)
	if err != nil {
		return nil, fmt.Errorf("querying archived transcript: %w", err)
	}
	defer rows.Close()

	var entries []callctx.Entry
	for rows.Next() {
		var e callctx.Entry
		var role string
		if err := rows.Scan(&role, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning transcript row: %w", err)
		}
		e.Role = callctx.Role(role)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript rows: %w", err)
	}
	if len(entries) == 0 {
		// distinguish unknown call from empty transcript
		var exists bool
		if err := a.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM calls WHERE call_sid = $1)`, callSID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking archived call: %w", err)
		}
		if !exists {
			return nil, core.NewNotFound("call not found")
		}
	}
	return entries, nil
}
