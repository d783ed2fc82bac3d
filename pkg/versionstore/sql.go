package versionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// Dialect captures the differences between the two supported SQL engines.
type Dialect struct {
	Name        string
	schema      string
	dollarBinds bool
	// reserveID returns a fresh id; claimID moves the generator past a
	// caller-chosen one so later reservations do not collide with it
	reserveID string
	claimID   string
}

var (
	DialectSQLite = Dialect{
		Name: "sqlite",
		schema: `
CREATE TABLE IF NOT EXISTS assignments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	dock_id INTEGER NOT NULL,
	load_id INTEGER NOT NULL,
	status_id INTEGER NOT NULL,
	direction TEXT NOT NULL,
	eta_in INTEGER,
	eta_out INTEGER,
	version INTEGER NOT NULL,
	created_by TEXT NOT NULL,
	updated_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS ix_assignments_direction ON assignments (direction);
CREATE TABLE IF NOT EXISTS assignment_ids (
	id INTEGER PRIMARY KEY AUTOINCREMENT
);
`,
		reserveID: `INSERT INTO assignment_ids DEFAULT VALUES RETURNING id`,
		claimID:   `INSERT OR IGNORE INTO assignment_ids (id) VALUES (?)`,
	}

	DialectPostgres = Dialect{
		Name:        "postgres",
		dollarBinds: true,
		schema: `
CREATE TABLE IF NOT EXISTS assignments (
	id BIGSERIAL PRIMARY KEY,
	dock_id BIGINT NOT NULL,
	load_id BIGINT NOT NULL,
	status_id BIGINT NOT NULL,
	direction TEXT NOT NULL,
	eta_in BIGINT,
	eta_out BIGINT,
	version BIGINT NOT NULL,
	created_by TEXT NOT NULL,
	updated_by TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS ix_assignments_direction ON assignments (direction);
`,
		reserveID: `SELECT nextval('assignments_id_seq')`,
		claimID:   `SELECT setval('assignments_id_seq', GREATEST(?::bigint, (SELECT last_value FROM assignments_id_seq)))`,
	}
)

// rebind turns ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if !d.dollarBinds {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on database/sql. The optimistic guard is the
// WHERE version = ? clause of the UPDATE, so it holds on both engines
// without row locks.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite opens path with WAL and a busy timeout and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// each new connection would see a fresh empty database
		db.SetMaxOpenConns(1)
	}
	return initSQL(ctx, db, DialectSQLite)
}

// sqliteDSN adds the pragmas the store depends on unless the path already
// sets them. Immediate transactions take the write lock up front, so two
// writers wait on busy_timeout instead of failing on upgrade.
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	_, query, _ := strings.Cut(path, "?")
	var params []string
	if !strings.Contains(query, "journal_mode") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if !strings.Contains(query, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(query, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return path
	}
	sep := "?"
	switch {
	case strings.HasSuffix(path, "?"), strings.HasSuffix(path, "&"):
		sep = ""
	case strings.Contains(path, "?"):
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	return initSQL(ctx, db, DialectPostgres)
}

func initSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", dialect.Name, err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.dialect.schema)
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `id, dock_id, load_id, status_id, direction, eta_in, eta_out, version, created_by, updated_by, created_at, updated_at, deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (dock.Assignment, error) {
	var (
		a                    dock.Assignment
		direction            string
		etaIn, etaOut        sql.NullInt64
		createdAt, updatedAt int64
		deleted              int64
	)
	err := row.Scan(&a.ID, &a.DockID, &a.LoadID, &a.StatusID, &direction, &etaIn, &etaOut,
		&a.Version, &a.CreatedBy, &a.UpdatedBy, &createdAt, &updatedAt, &deleted)
	if err != nil {
		return dock.Assignment{}, err
	}
	a.Direction = dock.Direction(direction)
	a.EtaIn = fromNullMillis(etaIn)
	a.EtaOut = fromNullMillis(etaOut)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	a.Deleted = deleted != 0
	return a, nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) Create(ctx context.Context, a dock.Assignment) (dock.Assignment, error) {
	now := time.Now().UTC()
	a.Version = 1
	a.Deleted = false
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	// millisecond precision is what comes back on read
	a.CreatedAt = fromMillis(toMillis(a.CreatedAt))
	a.UpdatedAt = fromMillis(toMillis(a.UpdatedAt))

	reserved := false
	if a.ID == 0 {
		id, err := s.NextID(ctx)
		if err != nil {
			return dock.Assignment{}, err
		}
		a.ID, reserved = id, true
	}

	query := s.dialect.rebind(`
		INSERT INTO assignments (id, dock_id, load_id, status_id, direction, eta_in, eta_out, version, created_by, updated_by, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`)
	_, err := s.db.ExecContext(ctx, query, a.ID, a.DockID, a.LoadID, a.StatusID, string(a.Direction),
		toNullMillis(a.EtaIn), toNullMillis(a.EtaOut), a.Version,
		a.CreatedBy, a.UpdatedBy, toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return dock.Assignment{}, ErrDuplicateID
		}
		return dock.Assignment{}, err
	}
	if !reserved {
		if _, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.claimID), a.ID); err != nil {
			return dock.Assignment{}, fmt.Errorf("claim id %d: %w", a.ID, err)
		}
	}
	return a, nil
}

func (s *SQLStore) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, s.dialect.reserveID).Scan(&id); err != nil {
		return 0, fmt.Errorf("reserve id: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (dock.Assignment, error) {
	a, err := s.getRaw(ctx, s.db, id)
	if err != nil {
		return dock.Assignment{}, err
	}
	if a.Deleted {
		return dock.Assignment{}, dock.ErrNotFound
	}
	return a, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getRaw returns tombstoned rows too.
func (s *SQLStore) getRaw(ctx context.Context, q queryer, id int64) (dock.Assignment, error) {
	query := s.dialect.rebind(`SELECT ` + selectColumns + ` FROM assignments WHERE id = ?`)
	a, err := scanAssignment(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dock.Assignment{}, dock.ErrNotFound
		}
		return dock.Assignment{}, err
	}
	return a, nil
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]dock.Assignment, error) {
	query := `SELECT ` + selectColumns + ` FROM assignments WHERE deleted = 0`
	var args []any
	if filter.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(filter.Direction))
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]dock.Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) CheckAndUpdate(ctx context.Context, id, expected int64, mutate MutateFunc) (dock.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dock.Assignment{}, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	current, err := s.getRaw(ctx, tx, id)
	if err != nil {
		return dock.Assignment{}, err
	}
	if err := checkCurrent(current, expected); err != nil {
		return dock.Assignment{}, err
	}
	next, err := applyMutation(current, mutate)
	if err != nil {
		return dock.Assignment{}, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	next.UpdatedAt = fromMillis(toMillis(next.UpdatedAt))

	query := s.dialect.rebind(`
		UPDATE assignments
		SET dock_id = ?, load_id = ?, status_id = ?, direction = ?, eta_in = ?, eta_out = ?,
			version = ?, updated_by = ?, updated_at = ?, deleted = ?
		WHERE id = ? AND version = ? AND deleted = 0`)
	res, err := tx.ExecContext(ctx, query,
		next.DockID, next.LoadID, next.StatusID, string(next.Direction),
		toNullMillis(next.EtaIn), toNullMillis(next.EtaOut),
		next.Version, next.UpdatedBy, toMillis(next.UpdatedAt), boolInt(next.Deleted),
		id, expected,
	)
	if err != nil {
		return dock.Assignment{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dock.Assignment{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		// someone committed between our read and the guarded update
		_ = tx.Rollback()
		committed = true
		latest, err := s.getRaw(ctx, s.db, id)
		if err != nil {
			return dock.Assignment{}, err
		}
		if cerr := checkCurrent(latest, expected); cerr != nil {
			return dock.Assignment{}, cerr
		}
		return dock.Assignment{}, dock.NewConflict(latest, expected)
	}
	if err := tx.Commit(); err != nil {
		return dock.Assignment{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return next, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
