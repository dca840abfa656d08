package docstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/apperr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is a Store backed by a single SQLite database file. Writes and
// transactions go through one connection; plain reads use a separate
// read-only pool so they see the last committed state without waiting for
// an open transaction.
type SQLite struct {
	db   *sql.DB
	read *sql.DB
	now  func() time.Time
}

// ReadConns is the size of the read-only connection pool.
const ReadConns = 4

// OpenSQLite opens (creating if needed) the database at dbPath and runs
// pending migrations.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("docstore: open database: %w", err)
	}

	// SQLite is single-writer. One shared connection serializes transactions
	// in database/sql instead of having them fight over the write lock, which
	// is also what makes RunTransaction serializable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("docstore: set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, read: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore: run migrations: %w", err)
	}

	if !inMemory(dbPath) {
		read, err := openReadPool(dbPath)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.read = read
	}
	return s, nil
}

// openReadPool opens query-only connections to the same file. WAL lets
// them read concurrently with the writer connection.
func openReadPool(dbPath string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	read, err := sql.Open("sqlite", dbPath+sep+"_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("docstore: open read pool: %w", err)
	}
	read.SetMaxOpenConns(ReadConns)
	read.SetMaxIdleConns(ReadConns)
	if err := read.Ping(); err != nil {
		read.Close()
		return nil, fmt.Errorf("docstore: open read pool: %w", err)
	}
	return read, nil
}

// inMemory reports whether dbPath names a private in-memory database,
// which a second pool could not share.
func inMemory(dbPath string) bool {
	return dbPath == "" || strings.HasPrefix(dbPath, ":memory:") || strings.Contains(dbPath, "mode=memory")
}

// Close closes the database connections.
func (s *SQLite) Close() error {
	var readErr error
	if s.read != s.db {
		readErr = s.read.Close()
	}
	return errors.Join(s.db.Close(), readErr)
}

// runMigrations applies embedded migrations newer than the recorded schema
// version, each in its own transaction.
func (s *SQLite) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, name)
		}
		seen[version] = name
		if version <= current {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		slog.Info("docstore: applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteTx implements Tx over a queryer. Outside a transaction it reads
// through the read pool.
type sqliteTx struct {
	q   queryer
	now time.Time
}

// --- Store API ---

func (s *SQLite) reader() *sqliteTx { return &sqliteTx{q: s.read, now: s.now()} }

func (s *SQLite) Get(ctx context.Context, path string) (*Document, error) {
	return s.reader().Get(ctx, path)
}

func (s *SQLite) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	return s.reader().Query(ctx, collection, q)
}

func (s *SQLite) QueryGroup(ctx context.Context, root, group string, q Query) ([]*Document, error) {
	return s.reader().QueryGroup(ctx, root, group, q)
}

func (s *SQLite) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	return s.Batch(ctx, SetWrite(path, fields, merge))
}

func (s *SQLite) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.Batch(ctx, UpdateWrite(path, fields))
}

func (s *SQLite) Delete(ctx context.Context, path string) error {
	return s.Batch(ctx, DeleteWrite(path))
}

// Batch applies writes in one transaction.
func (s *SQLite) Batch(ctx context.Context, writes ...Write) error {
	if len(writes) == 0 {
		return nil
	}
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		for _, w := range writes {
			var err error
			switch w.Kind {
			case WriteSet:
				err = tx.Set(ctx, w.Path, w.Fields, false)
			case WriteMerge:
				err = tx.Set(ctx, w.Path, w.Fields, true)
			case WriteUpdate:
				err = tx.Update(ctx, w.Path, w.Fields)
			case WriteDelete:
				err = tx.Delete(ctx, w.Path)
			default:
				err = apperr.Validation("docstore.batch", "unknown write kind %d", w.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// busyRetry retries transactions that lost the write lock to another
// process sharing the database file.
var busyRetry = retry.Config{
	MaxAttempts:  4,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
	ShouldRetry:  isBusy,
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RunTransaction runs fn in a database transaction and commits when fn
// returns nil.
func (s *SQLite) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return retry.Do(ctx, busyRetry, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("docstore.begin", err)
		}
		if err := fn(ctx, &sqliteTx{q: sqlTx, now: s.now()}); err != nil {
			sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return classify("docstore.commit", err)
		}
		return nil
	})
}

// --- Tx implementation ---

func (t *sqliteTx) Get(ctx context.Context, path string) (*Document, error) {
	if _, _, err := splitDocPath(path); err != nil {
		return nil, apperr.Validation("docstore.get", "%v", err)
	}
	row := t.q.QueryRowContext(ctx,
		`SELECT path, id, data, created_at, updated_at FROM documents WHERE path = ?`, path)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("docstore.get", "document %s not found", path)
	}
	if err != nil {
		return nil, classify("docstore.get", err)
	}
	return doc, nil
}

func (t *sqliteTx) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return apperr.Validation("docstore.set", "%v", err)
	}
	existing, err := t.Get(ctx, path)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}
	var base map[string]any
	created := t.now
	if existing != nil {
		created = existing.CreatedAt
		if merge {
			base = existing.Data
		}
	}
	data, err := applyFields(base, fields)
	if err != nil {
		return apperr.Validation("docstore.set", "%s: %v", path, err)
	}
	return t.write(ctx, "docstore.set", path, collection, id, data, created)
}

func (t *sqliteTx) Update(ctx context.Context, path string, fields map[string]any) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return apperr.Validation("docstore.update", "%v", err)
	}
	existing, err := t.Get(ctx, path)
	if err != nil {
		return err
	}
	data, err := applyFields(existing.Data, fields)
	if err != nil {
		return apperr.Validation("docstore.update", "%s: %v", path, err)
	}
	return t.write(ctx, "docstore.update", path, collection, id, data, existing.CreatedAt)
}

func (t *sqliteTx) Delete(ctx context.Context, path string) error {
	if _, _, err := splitDocPath(path); err != nil {
		return apperr.Validation("docstore.delete", "%v", err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return classify("docstore.delete", err)
	}
	return nil
}

func (t *sqliteTx) write(ctx context.Context, op, path, collection, id string, data map[string]any, created time.Time) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return apperr.Validation(op, "encode %s: %v", path, err)
	}
	group := collection[strings.LastIndex(collection, "/")+1:]
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO documents (path, collection, grp, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		path, collection, group, id, string(raw), FormatTime(created), FormatTime(t.now),
	)
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func (t *sqliteTx) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	if _, err := checkCollectionPath(collection); err != nil {
		return nil, apperr.Validation("docstore.query", "%v", err)
	}
	return t.run(ctx, "docstore.query", "collection = ?", []any{collection}, q)
}

func (t *sqliteTx) QueryGroup(ctx context.Context, root, group string, q Query) ([]*Document, error) {
	if _, err := segments(root); err != nil {
		return nil, apperr.Validation("docstore.query_group", "%v", err)
	}
	if strings.Contains(group, "/") || group == "" {
		return nil, apperr.Validation("docstore.query_group", "invalid group %q", group)
	}
	prefix := escapeLike(root) + "/%"
	return t.run(ctx, "docstore.query_group", `grp = ? AND path LIKE ? ESCAPE '\'`, []any{group, prefix}, q)
}

func (t *sqliteTx) run(ctx context.Context, op, scope string, args []any, q Query) ([]*Document, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT path, id, data, created_at, updated_at FROM documents WHERE `)
	sb.WriteString(scope)

	for _, f := range q.Filters {
		clause, fargs, err := filterSQL(f)
		if err != nil {
			return nil, apperr.Validation(op, "%v", err)
		}
		sb.WriteString(" AND ")
		sb.WriteString(clause)
		args = append(args, fargs...)
	}
	if q.StartAfterID != "" {
		sb.WriteString(" AND id > ?")
		args = append(args, q.StartAfterID)
	}

	sb.WriteString(" ORDER BY ")
	for _, o := range q.OrderBy {
		if err := checkField(o.Field); err != nil {
			return nil, apperr.Validation(op, "%v", err)
		}
		if o.Field == DocumentID {
			sb.WriteString("id")
		} else {
			sb.WriteString("json_extract(data, ?)")
			args = append(args, "$."+o.Field)
		}
		if o.Dir == Desc {
			sb.WriteString(" DESC, ")
		} else {
			sb.WriteString(" ASC, ")
		}
	}
	sb.WriteString("id ASC")

	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := t.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return docs, nil
}

func filterSQL(f Filter) (string, []any, error) {
	if err := checkField(f.Field); err != nil {
		return "", nil, err
	}
	var lhs string
	var args []any
	if f.Field == DocumentID {
		lhs = "id"
	} else {
		lhs = "json_extract(data, ?)"
		args = append(args, "$."+f.Field)
	}

	switch f.Op {
	case Eq, Ne, Lt, Le, Gt, Ge:
		// A missing field extracts as NULL, and NULL never compares true,
		// so documents without the field drop out of every comparison.
		v, err := bindValue(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		op := string(f.Op)
		if f.Op == Eq {
			op = "="
		}
		return lhs + " " + op + " ?", append(args, v), nil
	case In:
		values, err := inValues(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		if len(values) == 0 {
			return "0", nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		return lhs + " IN (" + placeholders + ")", append(args, values...), nil
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
	}
}

func inValues(v any) ([]any, error) {
	var raw []any
	switch x := v.(type) {
	case []string:
		for _, s := range x {
			raw = append(raw, s)
		}
	case []any:
		raw = x
	default:
		return nil, fmt.Errorf("in operator needs a slice, got %T", v)
	}
	out := make([]any, 0, len(raw))
	for _, e := range raw {
		b, err := bindValue(e)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var (
		doc              Document
		raw              string
		created, updated string
	)
	if err := row.Scan(&doc.Path, &doc.ID, &raw, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &doc.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", doc.Path, err)
	}
	var err error
	if doc.CreatedAt, err = time.Parse(TimeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", doc.Path, err)
	}
	if doc.UpdatedAt, err = time.Parse(TimeLayout, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at of %s: %w", doc.Path, err)
	}
	return &doc, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// classify wraps database errors. Context errors keep their identity so
// callers can tell a deadline from a broken store.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Upstream(op, err)
}

var _ Store = (*SQLite)(nil)
