package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/installer"
	"github.com/go-fleetgate/fleetgate/internal/protocol"

	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS executions (
	idempotency_key TEXT PRIMARY KEY,
	command_id      TEXT NOT NULL,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	result          BLOB,
	error           TEXT NOT NULL DEFAULT '',
	received_at     INTEGER NOT NULL,
	finished_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executions_received ON executions(received_at);
CREATE TABLE IF NOT EXISTS installed_skills (
	skill_id     TEXT PRIMARY KEY,
	version      TEXT NOT NULL DEFAULT '',
	path         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	installed_at INTEGER,
	last_error   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const kvTransferGeneration = "transfer_generation"

// Execution is the ledger row of one idempotency key
type Execution struct {
	IdempotencyKey string
	CommandID      string
	Type           string
	Status         protocol.AckStatus
	Result         []byte
	Error          string
	ReceivedAt     time.Time
	FinishedAt     *time.Time
}

// Terminal reports whether the recorded outcome is final
func (e *Execution) Terminal() bool { return e.Status.IsTerminal() }

// Ack rebuilds the terminal ack for commandID from the recorded outcome
func (e *Execution) Ack(commandID string, at time.Time) *protocol.Ack {
	return &protocol.Ack{
		CommandID:      commandID,
		IdempotencyKey: e.IdempotencyKey,
		Status:         e.Status,
		Result:         e.Result,
		Error:          e.Error,
		At:             at,
	}
}

// Ledger is the agent's durable record of executed commands and installed skills
type Ledger struct {
	db *sql.DB
}

var _ installer.Registry = (*Ledger)(nil)

// OpenLedger opens (creating if needed) the sqlite ledger at path
func OpenLedger(ctx context.Context, path string) (*Ledger, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Begin records a received command. When the key is already known the
// existing row is returned with created false and nothing is written.
func (l *Ledger) Begin(ctx context.Context, cmd *protocol.Command, at time.Time) (*Execution, bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO executions (idempotency_key, command_id, type, status, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cmd.IdempotencyKey, cmd.CommandID, cmd.Type, string(protocol.AckReceived), at.UnixNano(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	exec, err := l.Lookup(ctx, cmd.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return exec, n == 1, nil
}

// MarkRunning moves a received execution to running
func (l *Ledger) MarkRunning(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE idempotency_key = ? AND status = ?`,
		string(protocol.AckRunning), key, string(protocol.AckReceived))
	return err
}

// Finish stores the terminal outcome of key. A row already terminal is left as is.
func (l *Ledger) Finish(
	ctx context.Context,
	cmd *protocol.Command,
	status protocol.AckStatus,
	result []byte,
	errMsg string,
	at time.Time,
) error {
	if !status.IsTerminal() {
		return fmt.Errorf("ledger: %s is not a terminal status", status)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO executions (idempotency_key, command_id, type, status, result, error, received_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO UPDATE SET
		   status = excluded.status, result = excluded.result,
		   error = excluded.error, finished_at = excluded.finished_at
		 WHERE executions.status NOT IN (?, ?, ?)`,
		cmd.IdempotencyKey, cmd.CommandID, cmd.Type, string(status), result, errMsg, at.UnixNano(), at.UnixNano(),
		string(protocol.AckSucceeded), string(protocol.AckFailed), string(protocol.AckExpired),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// Lookup returns the execution recorded for key, or nil
func (l *Ledger) Lookup(ctx context.Context, key string) (*Execution, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT idempotency_key, command_id, type, status, result, error, received_at, finished_at
		 FROM executions WHERE idempotency_key = ?`, key)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

// Last returns the most recently received execution, or nil
func (l *Ledger) Last(ctx context.Context) (*Execution, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT idempotency_key, command_id, type, status, result, error, received_at, finished_at
		 FROM executions ORDER BY received_at DESC LIMIT 1`)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

// CountUnfinished counts executions without a terminal outcome
func (l *Ledger) CountUnfinished(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE status IN (?, ?)`,
		string(protocol.AckReceived), string(protocol.AckRunning),
	).Scan(&n)
	return n, err
}

// Prune drops finished executions older than before
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM executions WHERE finished_at IS NOT NULL AND finished_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec       Execution
		status     string
		receivedAt int64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(&exec.IdempotencyKey, &exec.CommandID, &exec.Type, &status,
		&exec.Result, &exec.Error, &receivedAt, &finishedAt); err != nil {
		return nil, err
	}
	exec.Status = protocol.AckStatus(status)
	exec.ReceivedAt = time.Unix(0, receivedAt).UTC()
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64).UTC()
		exec.FinishedAt = &t
	}
	return &exec, nil
}

// RecordInstall makes skill the active version and clears any earlier error
func (l *Ledger) RecordInstall(ctx context.Context, skill installer.InstalledSkill) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO installed_skills (skill_id, version, path, status, installed_at, last_error)
		 VALUES (?, ?, ?, ?, ?, '')
		 ON CONFLICT(skill_id) DO UPDATE SET
		   version = excluded.version, path = excluded.path, status = excluded.status,
		   installed_at = excluded.installed_at, last_error = ''`,
		skill.SkillID, skill.Version, skill.Path, skill.Status, skill.InstalledAt.UnixNano(),
	)
	return err
}

// RecordFailure notes a failed install without touching the active version
func (l *Ledger) RecordFailure(ctx context.Context, skillID, version, reason string, _ time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO installed_skills (skill_id, status, last_error)
		 VALUES (?, ?, ?)
		 ON CONFLICT(skill_id) DO UPDATE SET last_error = excluded.last_error`,
		skillID, installer.StatusFailed, version+": "+reason,
	)
	return err
}

// InstalledSkills lists the skill records for status reports
func (l *Ledger) InstalledSkills(ctx context.Context) ([]protocol.InstalledSkill, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT skill_id, version, path, status, installed_at, last_error
		 FROM installed_skills ORDER BY skill_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var skills []protocol.InstalledSkill
	for rows.Next() {
		var (
			s           protocol.InstalledSkill
			installedAt sql.NullInt64
		)
		if err := rows.Scan(&s.SkillID, &s.Version, &s.Path, &s.Status, &installedAt, &s.LastError); err != nil {
			return nil, err
		}
		if installedAt.Valid {
			s.InstalledAt = time.Unix(0, installedAt.Int64).UTC()
		}
		skills = append(skills, s)
	}
	return skills, rows.Err()
}

// TransferGeneration returns the last generation the hub reported, 0 if none
func (l *Ledger) TransferGeneration(ctx context.Context) (int, error) {
	var value string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, kvTransferGeneration).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

// SetTransferGeneration stores the generation from the hub's hello
func (l *Ledger) SetTransferGeneration(ctx context.Context, generation int) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		kvTransferGeneration, strconv.Itoa(generation))
	return err
}
