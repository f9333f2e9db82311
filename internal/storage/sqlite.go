package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

const schemaVersion = 1

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	backupDir string
	now       func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; watch.Store serializes callers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, backupDir: cfg.BackupDir, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migrationsSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var versionStr string
	err = tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&versionStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, "INSERT INTO metadata(key, value) VALUES('schema_version', ?)", strconv.Itoa(schemaVersion)); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	default:
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version > schemaVersion {
			return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, id int64) (watch.Subscriber, error) {
	var (
		sub                  watch.Subscriber
		username, firstName  sql.NullString
		status               string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, first_name, status, created_at, updated_at FROM subscribers WHERE id = ?`, id,
	).Scan(&sub.ID, &username, &firstName, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return watch.Subscriber{}, watch.ErrNotFound
	}
	if err != nil {
		return watch.Subscriber{}, err
	}
	sub.Username = username.String
	sub.FirstName = firstName.String
	sub.Status = watch.Status(status)
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	return sub, nil
}

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, sub watch.Subscriber) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, username, first_name, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username=excluded.username,
		   first_name=excluded.first_name,
		   status=excluded.status,
		   updated_at=excluded.updated_at`,
		sub.ID, nullStr(sub.Username), nullStr(sub.FirstName), string(sub.Status),
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) SetSubscriberStatus(ctx context.Context, id int64, status watch.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(s.now()), id,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqliteStore) InsertSnapshot(ctx context.Context, snap watch.Snapshot) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(entity_id, subscriber_id, full_name, name_key, stars, watchers, issues, pulls, forks,
		   description, language, size, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(entity_id, subscriber_id) DO NOTHING`,
		snap.EntityID, snap.SubscriberID, snap.FullName, watch.FoldName(snap.FullName),
		snap.Stars, snap.Watchers, snap.Issues, snap.Pulls, snap.Forks,
		nullStr(snap.Description), nullStr(snap.Language), snap.Size,
		formatTime(snap.CreatedAt), formatTime(snap.UpdatedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return watch.ErrAlreadyWatching
	}
	return nil
}

func (s *sqliteStore) UpdateSnapshot(ctx context.Context, snap watch.Snapshot) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET full_name=?, name_key=?, stars=?, watchers=?, issues=?, pulls=?, forks=?,
		   description=?, language=?, size=?, updated_at=?
		 WHERE entity_id=? AND subscriber_id=?`,
		snap.FullName, watch.FoldName(snap.FullName), snap.Stars, snap.Watchers, snap.Issues, snap.Pulls, snap.Forks,
		nullStr(snap.Description), nullStr(snap.Language), snap.Size, formatTime(snap.UpdatedAt),
		snap.EntityID, snap.SubscriberID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqliteStore) DeleteSnapshot(ctx context.Context, k watch.Key) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE entity_id = ? AND subscriber_id = ?`, k.EntityID, k.SubscriberID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqliteStore) CountSnapshots(ctx context.Context, subscriberID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE subscriber_id = ?`, subscriberID).Scan(&n)
	return n, err
}

const snapshotCols = `s.entity_id, s.subscriber_id, s.full_name, s.stars, s.watchers, s.issues, s.pulls, s.forks,
  s.description, s.language, s.size, s.created_at, s.updated_at`

func (s *sqliteStore) FindByName(ctx context.Context, subscriberID int64, fullName string) (watch.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots s WHERE s.subscriber_id = ? AND s.name_key = ?`,
		subscriberID, watch.FoldName(fullName))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return watch.Snapshot{}, watch.ErrNotFound
	}
	return snap, err
}

func (s *sqliteStore) ListSnapshots(ctx context.Context, subscriberID int64) ([]watch.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots s WHERE s.subscriber_id = ?
		 ORDER BY s.name_key, s.entity_id`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []watch.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) NextActive(ctx context.Context, c watch.Cursor) (watch.Snapshot, bool, error) {
	q := `SELECT ` + snapshotCols + ` FROM snapshots s
	      JOIN subscribers u ON u.id = s.subscriber_id
	      WHERE u.status = ?`
	args := []any{string(watch.StatusActive)}
	if c.Started() {
		q += ` AND (s.subscriber_id > ?
		        OR (s.subscriber_id = ? AND s.entity_id > ?))`
		args = append(args, c.SubscriberID, c.SubscriberID, c.EntityID)
	}
	q += ` ORDER BY s.subscriber_id, s.entity_id LIMIT 1`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return watch.Snapshot{}, false, nil
	}
	if err != nil {
		return watch.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (watch.Stats, error) {
	st := watch.Stats{Subscribers: map[watch.Status]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscribers GROUP BY status`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return st, err
		}
		st.Subscribers[watch.Status(status)] = n
	}
	if err := rows.Close(); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT entity_id) FROM snapshots`).Scan(&st.Watches, &st.Entities)
	return st, err
}

// Backup runs VACUUM INTO a timestamped file and packs it into a tar.gz.
func (s *sqliteStore) Backup(ctx context.Context) (string, error) {
	dest, err := backupTarget(s.backupDir, s.now(), ".db")
	if err != nil {
		return "", err
	}
	_ = os.Remove(dest)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}
	return packAndRemove(dest)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (watch.Snapshot, error) {
	var (
		snap                 watch.Snapshot
		desc, lang           sql.NullString
		createdAt, updatedAt string
	)
	err := r.Scan(&snap.EntityID, &snap.SubscriberID, &snap.FullName,
		&snap.Stars, &snap.Watchers, &snap.Issues, &snap.Pulls, &snap.Forks,
		&desc, &lang, &snap.Size, &createdAt, &updatedAt)
	if err != nil {
		return watch.Snapshot{}, err
	}
	snap.Description = desc.String
	snap.Language = lang.String
	snap.CreatedAt = parseTime(createdAt)
	snap.UpdatedAt = parseTime(updatedAt)
	return snap, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return watch.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
