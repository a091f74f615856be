package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if u.JoinedAt.IsZero() {
		u.JoinedAt = time.Now()
	}
	// Metadata is last-write-wins; joined_at is kept from the first insert.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, username, first_name, last_name, is_bot, joined_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username=excluded.username,
		   first_name=excluded.first_name,
		   last_name=excluded.last_name,
		   is_bot=excluded.is_bot`,
		u.ID, nullStr(u.Username), nullStr(u.FirstName), nullStr(u.LastName),
		boolInt(u.IsBot), u.JoinedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) CountUsers(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM users`)
}

// UserCursor streams user ids in key order without materializing the set.
type UserCursor struct {
	rows *sql.Rows
}

func (c *UserCursor) Next() (int64, bool, error) {
	if c == nil || c.rows == nil {
		return 0, false, nil
	}
	if !c.rows.Next() {
		return 0, false, c.rows.Err()
	}
	var id int64
	if err := c.rows.Scan(&id); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (c *UserCursor) Close() error {
	if c == nil || c.rows == nil {
		return nil
	}
	return c.rows.Close()
}

func (s *sqliteStore) Users(ctx context.Context) (*UserCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return &UserCursor{rows: rows}, nil
}

// ---- required channels ----

func (s *sqliteStore) RequiredChannels(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM required_channels ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddRequiredChannel(ctx context.Context, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO required_channels(channel_id) VALUES(?)
		 ON CONFLICT(channel_id) DO NOTHING`, channelID)
	return err
}

func (s *sqliteStore) RemoveRequiredChannel(ctx context.Context, channelID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM required_channels WHERE channel_id = ?`, channelID)
	return err
}

// ---- join requests ----

func (s *sqliteStore) RequestedChannels(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM join_requests WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordJoinRequests(ctx context.Context, userID int64, channelIDs []int64, at time.Time) error {
	if len(channelIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := at.Format(time.RFC3339Nano)
	for _, ch := range channelIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO join_requests(user_id, channel_id, requested_at) VALUES(?,?,?)
			 ON CONFLICT(user_id, channel_id) DO UPDATE SET requested_at=excluded.requested_at`,
			userID, ch, ts,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteJoinRequests(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM join_requests WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteAllJoinRequests(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM join_requests`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CountJoinRequests(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM join_requests`)
}

// ---- files ----

func (s *sqliteStore) InsertFile(ctx context.Context, f FileRecord) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files(token, kind, file_id, unique_id, file_name, mime_type, file_size, caption, uploader_id, created_at, access_count)
		 VALUES(?,?,?,?,?,?,?,?,?,?,0)`,
		f.Token, string(f.Ref.Kind), f.Ref.FileID, nullStr(f.Ref.UniqueID),
		nullStr(f.Ref.FileName), nullStr(f.Ref.MIMEType), nullInt(f.Ref.FileSize),
		nullStr(f.Caption), f.UploaderID, f.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrTokenExists
	}
	return err
}

func (s *sqliteStore) ResolveFile(ctx context.Context, token string) (*FileRecord, error) {
	// Increment and fetch in one statement so concurrent resolutions of the
	// same token never lose an update.
	row := s.db.QueryRowContext(ctx,
		`UPDATE files SET access_count = access_count + 1 WHERE token = ?
		 RETURNING kind, file_id, unique_id, file_name, mime_type, file_size, caption, uploader_id, created_at, access_count`,
		token,
	)

	var (
		rec       FileRecord
		kind      string
		uniqueID  sql.NullString
		fileName  sql.NullString
		mimeType  sql.NullString
		fileSize  sql.NullInt64
		caption   sql.NullString
		createdAt string
	)
	err := row.Scan(&kind, &rec.Ref.FileID, &uniqueID, &fileName, &mimeType,
		&fileSize, &caption, &rec.UploaderID, &createdAt, &rec.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Token = token
	rec.Ref.Kind = transport.ContentKind(kind)
	rec.Ref.UniqueID = uniqueID.String
	rec.Ref.FileName = fileName.String
	rec.Ref.MIMEType = mimeType.String
	rec.Ref.FileSize = fileSize.Int64
	rec.Caption = caption.String
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		rec.CreatedAt = t
	}
	return &rec, nil
}

func (s *sqliteStore) CountFiles(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM files`)
}

// ---- helpers ----

func (s *sqliteStore) count(ctx context.Context, q string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// isUniqueViolation matches the driver's constraint error text. The modernc
// driver does not expose a stable error-code surface, so match the SQLite
// message instead.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: files.token")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
