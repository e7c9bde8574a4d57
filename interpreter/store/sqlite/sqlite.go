// Package sqlite provides a SQLite implementation of the instrumentation
// journal.
//
// The journal records every block a session patched, with the bytes the
// patch replaced, and every agent injection the IPC worker performed.
// Several processes on a host may share one database file: writes are
// single statements in autocommit mode and the database runs in WAL mode
// with a busy timeout, so concurrent agents serialise on SQLite's own
// locking.
//
// # Prepared Statements
//
// All queries are prepared once when the journal is opened. Prune runs
// its statements in one transaction through tx.StmtContext handles
// bound to the master statements.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/interpreter/store"
)

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

//go:embed schema.sql
var schemaSQL string

// Journal implements interpreter.Journal using SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	stmtSavePatch             *sql.Stmt
	stmtDeletePatch           *sql.Stmt
	stmtListPatches           *sql.Stmt
	stmtPrunePatches          *sql.Stmt
	stmtSaveInjection         *sql.Stmt
	stmtListInjections        *sql.Stmt
	stmtPruneInjections       *sql.Stmt
	stmtCountInjectionsForPid *sql.Stmt
}

var _ interpreter.Journal = (*Journal)(nil)

// New opens (creating if needed) the journal at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal", "db", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, filePragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	j, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened journal", "path", dbPath)
	return j, nil
}

// NewInMemory creates an in-memory journal for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	j, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened in-memory journal")
	return j, nil
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Journal, error) {
	j := &Journal{db: db, logger: logger}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := j.prepareStatements(ctx); err != nil {
		j.closeStatements()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return j, nil
}

// Close closes all prepared statements and the database connection.
func (j *Journal) Close() error {
	j.closeStatements()
	return j.db.Close()
}

// closeStatements closes all prepared statements. Each close error
// is silently ignored because the database is about to be closed.
func (j *Journal) closeStatements() {
	for _, stmt := range []*sql.Stmt{
		j.stmtSavePatch,
		j.stmtDeletePatch,
		j.stmtListPatches,
		j.stmtPrunePatches,
		j.stmtSaveInjection,
		j.stmtListInjections,
		j.stmtPruneInjections,
		j.stmtCountInjectionsForPid,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

func (j *Journal) migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (j *Journal) prepareStatements(ctx context.Context) error {
	var err error

	const sqlSavePatch = `
		INSERT INTO patches
		(pid, addr, session, point_id, function, object, blob, strategy, original, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pid, addr) DO UPDATE SET
		  session = excluded.session,
		  point_id = excluded.point_id,
		  function = excluded.function,
		  object = excluded.object,
		  blob = excluded.blob,
		  strategy = excluded.strategy,
		  original = excluded.original,
		  created_at = excluded.created_at`
	if j.stmtSavePatch, err = j.db.PrepareContext(ctx, sqlSavePatch); err != nil {
		return fmt.Errorf("prepare SavePatch: %w", err)
	}

	const sqlDeletePatch = "DELETE FROM patches WHERE pid = ? AND addr = ?"
	if j.stmtDeletePatch, err = j.db.PrepareContext(ctx, sqlDeletePatch); err != nil {
		return fmt.Errorf("prepare DeletePatch: %w", err)
	}

	const sqlListPatches = `
		SELECT pid, addr, session, point_id, function, object, blob, strategy, original, created_at
		FROM patches
		ORDER BY pid, addr`
	if j.stmtListPatches, err = j.db.PrepareContext(ctx, sqlListPatches); err != nil {
		return fmt.Errorf("prepare ListPatches: %w", err)
	}

	const sqlPrunePatches = "DELETE FROM patches WHERE pid = ?"
	if j.stmtPrunePatches, err = j.db.PrepareContext(ctx, sqlPrunePatches); err != nil {
		return fmt.Errorf("prepare PrunePatches: %w", err)
	}

	const sqlSaveInjection = `
		INSERT INTO injections
		(session, local_pid, remote_pid, channel, fd, agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if j.stmtSaveInjection, err = j.db.PrepareContext(ctx, sqlSaveInjection); err != nil {
		return fmt.Errorf("prepare SaveInjection: %w", err)
	}

	const sqlListInjections = `
		SELECT session, local_pid, remote_pid, channel, fd, agent, created_at
		FROM injections
		ORDER BY id`
	if j.stmtListInjections, err = j.db.PrepareContext(ctx, sqlListInjections); err != nil {
		return fmt.Errorf("prepare ListInjections: %w", err)
	}

	const sqlPruneInjections = "DELETE FROM injections WHERE local_pid = ? OR remote_pid = ?"
	if j.stmtPruneInjections, err = j.db.PrepareContext(ctx, sqlPruneInjections); err != nil {
		return fmt.Errorf("prepare PruneInjections: %w", err)
	}

	const sqlCountInjectionsForPid = "SELECT COUNT(*) FROM injections WHERE remote_pid = ?"
	if j.stmtCountInjectionsForPid, err = j.db.PrepareContext(ctx, sqlCountInjectionsForPid); err != nil {
		return fmt.Errorf("prepare CountInjectionsForPid: %w", err)
	}

	return nil
}

// SavePatch records a patch, replacing any earlier record for the same
// pid and address.
func (j *Journal) SavePatch(ctx context.Context, rec propel.PatchRecord) error {
	start := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	args := []any{
		rec.Pid,
		int64(rec.Addr),
		rec.Session.String(),
		int64(rec.PointID),
		rec.Function,
		rec.Object,
		int64(rec.Blob),
		rec.Strategy,
		rec.Original,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, err := j.stmtSavePatch.ExecContext(ctx, args...); err != nil {
		j.logger.Debug("sql", "stmt", "SavePatch", "pid", rec.Pid, "addr", rec.Addr, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("save patch at %s: %w", rec.Addr, err)
	}
	j.logger.Debug("sql", "stmt", "SavePatch", "pid", rec.Pid, "addr", rec.Addr, "duration_ms", msec(time.Since(start)))
	return nil
}

// DeletePatch removes the record for pid at addr. Returns
// store.ErrNotFound if there is none.
func (j *Journal) DeletePatch(ctx context.Context, pid int, addr propel.Address) error {
	start := time.Now()
	res, err := j.stmtDeletePatch.ExecContext(ctx, pid, int64(addr))
	if err != nil {
		j.logger.Debug("sql", "stmt", "DeletePatch", "args", []any{pid, addr}, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("delete patch at %s: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete patch at %s: %w", addr, err)
	}
	j.logger.Debug("sql", "stmt", "DeletePatch", "args", []any{pid, addr}, "duration_ms", msec(time.Since(start)), "rows", n)
	if n == 0 {
		return fmt.Errorf("patch for pid %d at %s: %w", pid, addr, store.ErrNotFound)
	}
	return nil
}

// ListPatches returns every recorded patch ordered by pid and address.
func (j *Journal) ListPatches(ctx context.Context) ([]propel.PatchRecord, error) {
	start := time.Now()
	rows, err := j.stmtListPatches.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()

	var out []propel.PatchRecord
	for rows.Next() {
		rec, err := scanPatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	j.logger.Debug("sql", "stmt", "ListPatches", "duration_ms", msec(time.Since(start)), "rows", len(out))
	return out, nil
}

func scanPatch(rows *sql.Rows) (propel.PatchRecord, error) {
	var (
		rec                 propel.PatchRecord
		addr, pointID, blob int64
		session, createdAt  string
	)
	err := rows.Scan(
		&rec.Pid,
		&addr,
		&session,
		&pointID,
		&rec.Function,
		&rec.Object,
		&blob,
		&rec.Strategy,
		&rec.Original,
		&createdAt,
	)
	if err != nil {
		return rec, fmt.Errorf("scan patch: %w", err)
	}
	rec.Addr = propel.Address(addr)
	rec.PointID = uint64(pointID)
	rec.Blob = propel.Address(blob)
	if rec.Session, err = uuid.Parse(session); err != nil {
		return rec, fmt.Errorf("invalid session %q: %w", session, err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return rec, fmt.Errorf("invalid created_at timestamp %q: %w", createdAt, err)
	}
	return rec, nil
}

// SaveInjection appends an injection record.
func (j *Journal) SaveInjection(ctx context.Context, rec propel.InjectionRecord) error {
	start := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := j.stmtSaveInjection.ExecContext(ctx,
		rec.Session.String(),
		rec.LocalPid,
		rec.RemotePid,
		string(rec.Channel),
		rec.FD,
		rec.Agent,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		j.logger.Debug("sql", "stmt", "SaveInjection", "remote_pid", rec.RemotePid, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("save injection into %d: %w", rec.RemotePid, err)
	}
	j.logger.Debug("sql", "stmt", "SaveInjection", "remote_pid", rec.RemotePid, "duration_ms", msec(time.Since(start)))
	return nil
}

// ListInjections returns every injection in insertion order.
func (j *Journal) ListInjections(ctx context.Context) ([]propel.InjectionRecord, error) {
	start := time.Now()
	rows, err := j.stmtListInjections.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list injections: %w", err)
	}
	defer rows.Close()

	var out []propel.InjectionRecord
	for rows.Next() {
		var (
			rec                         propel.InjectionRecord
			session, channel, createdAt string
		)
		if err := rows.Scan(&session, &rec.LocalPid, &rec.RemotePid, &channel, &rec.FD, &rec.Agent, &createdAt); err != nil {
			return nil, fmt.Errorf("scan injection: %w", err)
		}
		if rec.Session, err = uuid.Parse(session); err != nil {
			return nil, fmt.Errorf("invalid session %q: %w", session, err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("invalid created_at timestamp %q: %w", createdAt, err)
		}
		rec.Channel = propel.ChannelType(channel)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list injections: %w", err)
	}
	j.logger.Debug("sql", "stmt", "ListInjections", "duration_ms", msec(time.Since(start)), "rows", len(out))
	return out, nil
}

// InjectedInto reports how many injections targeted pid.
func (j *Journal) InjectedInto(ctx context.Context, pid int) (int, error) {
	var n int
	err := j.stmtCountInjectionsForPid.QueryRowContext(ctx, pid).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("count injections into %d: %w", pid, err)
	}
	return n, nil
}

// PruneResult counts the records Prune removed.
type PruneResult struct {
	Patches    int64
	Injections int64
}

// Prune removes every record involving pid, typically after the process
// exited. Both deletes commit together or not at all.
func (j *Journal) Prune(ctx context.Context, pid int) (PruneResult, error) {
	var res PruneResult

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.StmtContext(ctx, j.stmtPrunePatches).ExecContext(ctx, pid)
	if err != nil {
		return res, fmt.Errorf("prune patches of %d: %w", pid, err)
	}
	if res.Patches, err = r.RowsAffected(); err != nil {
		return res, err
	}

	r, err = tx.StmtContext(ctx, j.stmtPruneInjections).ExecContext(ctx, pid, pid)
	if err != nil {
		return res, fmt.Errorf("prune injections of %d: %w", pid, err)
	}
	if res.Injections, err = r.RowsAffected(); err != nil {
		return res, err
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit prune of %d: %w", pid, err)
	}
	j.logger.Info("pruned journal", "pid", pid, "patches", res.Patches, "injections", res.Injections)
	return res, nil
}
