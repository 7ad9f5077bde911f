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
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"notifiq/internal/engine"
	logx "notifiq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open opens (or creates) the SQLite database at cfg.Path and applies the
// embedded schema.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
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

// Timestamps are stored as unix milliseconds; 0 means unset.

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

// --- app behavior ---

const appBehaviorCols = `app_id, total_received, total_opened, total_dismissed, total_ignored,
	open_rate, dismiss_rate, ignore_rate, adjustment,
	last_hour, last_day, avg_per_day, last_notification_at, updated_at,
	locked, locked_category, custom_base_score`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppBehavior(row rowScanner) (engine.AppBehavior, error) {
	var b engine.AppBehavior
	var lastAt, updAt int64
	var custom sql.NullInt64
	err := row.Scan(
		&b.AppID, &b.TotalReceived, &b.TotalOpened, &b.TotalDismissed, &b.TotalIgnored,
		&b.OpenRate, &b.DismissRate, &b.IgnoreRate, &b.Adjustment,
		&b.LastHour, &b.LastDay, &b.AvgPerDay, &lastAt, &updAt,
		&b.Locked, &b.LockedCategory, &custom,
	)
	if err != nil {
		return engine.AppBehavior{}, err
	}
	b.LastNotificationAt = fromMS(lastAt)
	b.UpdatedAt = fromMS(updAt)
	if custom.Valid {
		v := int(custom.Int64)
		b.CustomBaseScore = &v
	}
	return b, nil
}

func (s *sqliteStore) GetOrCreateAppBehavior(ctx context.Context, appID string) (engine.AppBehavior, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_behavior(app_id) VALUES(?) ON CONFLICT(app_id) DO NOTHING`, appID)
	if err != nil {
		return engine.AppBehavior{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+appBehaviorCols+` FROM app_behavior WHERE app_id = ?`, appID)
	return scanAppBehavior(row)
}

func (s *sqliteStore) ListAppBehaviors(ctx context.Context) ([]engine.AppBehavior, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+appBehaviorCols+` FROM app_behavior ORDER BY app_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.AppBehavior
	for rows.Next() {
		b, err := scanAppBehavior(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateAppLearning writes only the learner-owned fields so it never clobbers
// counters incremented by the pipeline in the meantime.
func (s *sqliteStore) UpdateAppLearning(ctx context.Context, b engine.AppBehavior) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE app_behavior
		 SET open_rate = ?, dismiss_rate = ?, ignore_rate = ?, adjustment = ?, updated_at = ?
		 WHERE app_id = ?`,
		b.OpenRate, b.DismissRate, b.IgnoreRate, b.Adjustment, ms(b.UpdatedAt), b.AppID)
	return err
}

func (s *sqliteStore) IncrementAppReceived(ctx context.Context, appID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE app_behavior
		 SET total_received = total_received + 1, last_notification_at = ?
		 WHERE app_id = ?`,
		ms(at), appID)
	return err
}

func (s *sqliteStore) IncrementAppOpened(ctx context.Context, appID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE app_behavior SET total_opened = total_opened + 1 WHERE app_id = ?`, appID)
	return err
}

func (s *sqliteStore) IncrementAppDismissed(ctx context.Context, appID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE app_behavior SET total_dismissed = total_dismissed + 1 WHERE app_id = ?`, appID)
	return err
}

func (s *sqliteStore) SetAppLock(ctx context.Context, appID string, category engine.Category, baseScore *int) error {
	var custom any
	if baseScore != nil {
		custom = *baseScore
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_behavior(app_id, locked, locked_category, custom_base_score)
		 VALUES(?, 1, ?, ?)
		 ON CONFLICT(app_id) DO UPDATE SET
		   locked = 1, locked_category = excluded.locked_category,
		   custom_base_score = excluded.custom_base_score`,
		appID, string(category), custom)
	return err
}

func (s *sqliteStore) ClearAppLock(ctx context.Context, appID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE app_behavior
		 SET locked = 0, locked_category = '', custom_base_score = NULL
		 WHERE app_id = ?`, appID)
	return err
}

// --- content behavior ---

const contentBehaviorCols = `app_id, content_id, content_type,
	total_received, total_opened, total_dismissed, total_ignored,
	open_rate, dismiss_rate, ignore_rate, score, last_notification_at, updated_at`

func scanContentBehavior(row rowScanner) (engine.ContentBehavior, error) {
	var b engine.ContentBehavior
	var lastAt, updAt int64
	err := row.Scan(
		&b.AppID, &b.ContentID, &b.Type,
		&b.TotalReceived, &b.TotalOpened, &b.TotalDismissed, &b.TotalIgnored,
		&b.OpenRate, &b.DismissRate, &b.IgnoreRate, &b.Score, &lastAt, &updAt,
	)
	if err != nil {
		return engine.ContentBehavior{}, err
	}
	b.LastNotificationAt = fromMS(lastAt)
	b.UpdatedAt = fromMS(updAt)
	return b, nil
}

func (s *sqliteStore) GetOrCreateContentBehavior(ctx context.Context, appID, contentID string, typ engine.ContentType) (engine.ContentBehavior, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_behavior(app_id, content_id, content_type) VALUES(?,?,?)
		 ON CONFLICT(app_id, content_id) DO NOTHING`,
		appID, contentID, string(typ))
	if err != nil {
		return engine.ContentBehavior{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contentBehaviorCols+` FROM content_behavior WHERE app_id = ? AND content_id = ?`,
		appID, contentID)
	return scanContentBehavior(row)
}

func (s *sqliteStore) ListContentBehaviors(ctx context.Context) ([]engine.ContentBehavior, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentBehaviorCols+` FROM content_behavior ORDER BY app_id, content_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.ContentBehavior
	for rows.Next() {
		b, err := scanContentBehavior(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateContentLearning(ctx context.Context, b engine.ContentBehavior) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_behavior
		 SET open_rate = ?, dismiss_rate = ?, ignore_rate = ?, score = ?, updated_at = ?
		 WHERE app_id = ? AND content_id = ?`,
		b.OpenRate, b.DismissRate, b.IgnoreRate, b.Score, ms(b.UpdatedAt), b.AppID, b.ContentID)
	return err
}

func (s *sqliteStore) IncrementContentReceived(ctx context.Context, appID, contentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_behavior
		 SET total_received = total_received + 1, last_notification_at = ?
		 WHERE app_id = ? AND content_id = ?`,
		ms(at), appID, contentID)
	return err
}

func (s *sqliteStore) IncrementContentOpened(ctx context.Context, appID, contentID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_behavior SET total_opened = total_opened + 1
		 WHERE app_id = ? AND content_id = ?`, appID, contentID)
	return err
}

func (s *sqliteStore) IncrementContentDismissed(ctx context.Context, appID, contentID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_behavior SET total_dismissed = total_dismissed + 1
		 WHERE app_id = ? AND content_id = ?`, appID, contentID)
	return err
}

// --- content preferences ---

func (s *sqliteStore) GetOrCreateContentPreference(ctx context.Context, appID, contentID string, typ engine.ContentType) (engine.ContentPreference, error) {
	now := ms(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_preferences(app_id, content_id, content_type, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(app_id, content_id) DO NOTHING`,
		appID, contentID, string(typ), now, now)
	if err != nil {
		return engine.ContentPreference{}, err
	}
	p, ok, err := s.GetContentPreference(ctx, appID, contentID)
	if err != nil {
		return engine.ContentPreference{}, err
	}
	if !ok {
		return engine.ContentPreference{}, ErrNotFound
	}
	return p, nil
}

func (s *sqliteStore) GetContentPreference(ctx context.Context, appID, contentID string) (engine.ContentPreference, bool, error) {
	var p engine.ContentPreference
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT app_id, content_id, content_type, score, locked, created_at, updated_at
		 FROM content_preferences WHERE app_id = ? AND content_id = ?`,
		appID, contentID,
	).Scan(&p.AppID, &p.ContentID, &p.Type, &p.Score, &p.Locked, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ContentPreference{}, false, nil
	}
	if err != nil {
		return engine.ContentPreference{}, false, err
	}
	p.CreatedAt = fromMS(createdAt)
	p.UpdatedAt = fromMS(updatedAt)
	return p, true, nil
}

func (s *sqliteStore) UpsertContentPreference(ctx context.Context, p engine.ContentPreference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_preferences(app_id, content_id, content_type, score, locked, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(app_id, content_id) DO UPDATE SET
		   content_type = excluded.content_type, score = excluded.score,
		   locked = excluded.locked, updated_at = excluded.updated_at`,
		p.AppID, p.ContentID, string(p.Type), p.Score, p.Locked, ms(p.CreatedAt), ms(p.UpdatedAt))
	return err
}

// --- keyword rules ---

func (s *sqliteStore) ListActiveKeywords(ctx context.Context) ([]engine.KeywordRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, keyword, class, modifier, active, created_at
		 FROM keywords WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.KeywordRule
	for rows.Next() {
		var r engine.KeywordRule
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Keyword, &r.Class, &r.Modifier, &r.Active, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMS(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddKeyword(ctx context.Context, r engine.KeywordRule) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keywords(keyword, class, modifier, active, source, created_at)
		 VALUES(?,?,?,?,'user',?)`,
		r.Keyword, string(r.Class), r.Modifier, r.Active, ms(r.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) SetKeywordActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE keywords SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteKeyword(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM keywords WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceConfigKeywords swaps the config-sourced rule set atomically. Rules
// added at runtime via AddKeyword carry source 'user' and are untouched.
func (s *sqliteStore) ReplaceConfigKeywords(ctx context.Context, rules []engine.KeywordRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM keywords WHERE source = 'config'`); err != nil {
		return err
	}
	for _, r := range rules {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO keywords(keyword, class, modifier, active, source, created_at)
			 VALUES(?,?,?,1,'config',?)`,
			r.Keyword, string(r.Class), r.Modifier, ms(r.CreatedAt))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- notifications ---

const notificationCols = `id, key, app_id, app_name, title, text, content_id, content_type,
	score, category, opened, dismissed, received_at, opened_at, dismissed_at`

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var receivedAt int64
	var openedAt, dismissedAt sql.NullInt64
	err := row.Scan(
		&n.ID, &n.Key, &n.AppID, &n.AppName, &n.Title, &n.Text, &n.ContentID, &n.ContentType,
		&n.Score, &n.Category, &n.Opened, &n.Dismissed, &receivedAt, &openedAt, &dismissedAt,
	)
	if err != nil {
		return Notification{}, err
	}
	n.ReceivedAt = fromMS(receivedAt)
	if openedAt.Valid {
		n.OpenedAt = fromMS(openedAt.Int64)
	}
	if dismissedAt.Valid {
		n.DismissedAt = fromMS(dismissedAt.Int64)
	}
	return n, nil
}

func (s *sqliteStore) InsertNotification(ctx context.Context, n Notification) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(key, app_id, app_name, title, text, content_id, content_type, score, category, received_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		n.Key, n.AppID, n.AppName, n.Title, n.Text, n.ContentID, string(n.ContentType),
		n.Score, string(n.Category), ms(n.ReceivedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) MarkOpened(ctx context.Context, key string, at time.Time) (Notification, bool, error) {
	return s.markInteracted(ctx, key, at, "opened", "opened_at")
}

func (s *sqliteStore) MarkDismissed(ctx context.Context, key string, at time.Time) (Notification, bool, error) {
	return s.markInteracted(ctx, key, at, "dismissed", "dismissed_at")
}

func (s *sqliteStore) markInteracted(ctx context.Context, key string, at time.Time, flagCol, atCol string) (Notification, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE key = ? ORDER BY id DESC LIMIT 1`, key)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, false, ErrNotFound
	}
	if err != nil {
		return Notification{}, false, err
	}

	// Columns are fixed identifiers, never user input.
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET `+flagCol+` = 1, `+atCol+` = ? WHERE id = ? AND `+flagCol+` = 0`,
		ms(at), n.ID)
	if err != nil {
		return Notification{}, false, err
	}
	changed, _ := res.RowsAffected()
	if changed > 0 {
		switch flagCol {
		case "opened":
			n.Opened = true
			n.OpenedAt = at
		case "dismissed":
			n.Dismissed = true
			n.DismissedAt = at
		}
	}
	return n, changed > 0, nil
}

func (s *sqliteStore) CountReceivedSince(ctx context.Context, appID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE app_id = ? AND received_at >= ?`,
		appID, ms(since)).Scan(&n)
	return n, err
}

// --- learner maintenance ---

// MarkIgnoredBefore counts every un-interacted notification older than cutoff
// into the app and content ignore counters, exactly once per row.
func (s *sqliteStore) MarkIgnoredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const pending = `ignored_counted = 0 AND opened = 0 AND dismissed = 0 AND received_at < ?`

	_, err = tx.ExecContext(ctx,
		`UPDATE app_behavior SET total_ignored = total_ignored + (
		   SELECT COUNT(*) FROM notifications n
		   WHERE n.app_id = app_behavior.app_id AND n.`+pending+`)`,
		ms(cutoff))
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE content_behavior SET total_ignored = total_ignored + (
		   SELECT COUNT(*) FROM notifications n
		   WHERE n.app_id = content_behavior.app_id
		     AND n.content_id = content_behavior.content_id AND n.`+pending+`)`,
		ms(cutoff))
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE notifications SET ignored_counted = 1 WHERE `+pending, ms(cutoff))
	if err != nil {
		return 0, err
	}
	flagged, _ := res.RowsAffected()
	return flagged, tx.Commit()
}

// RefreshFrequencyMetrics recomputes the windowed counters from the
// notifications table. The daily average spans the trailing week.
func (s *sqliteStore) RefreshFrequencyMetrics(ctx context.Context, now time.Time) error {
	hourAgo := ms(now.Add(-time.Hour))
	dayAgo := ms(now.Add(-24 * time.Hour))
	weekAgo := ms(now.Add(-7 * 24 * time.Hour))

	_, err := s.db.ExecContext(ctx,
		`UPDATE app_behavior SET
		   last_hour = (SELECT COUNT(*) FROM notifications n
		                WHERE n.app_id = app_behavior.app_id AND n.received_at >= ?),
		   last_day = (SELECT COUNT(*) FROM notifications n
		               WHERE n.app_id = app_behavior.app_id AND n.received_at >= ?),
		   avg_per_day = (SELECT COUNT(*) FROM notifications n
		                  WHERE n.app_id = app_behavior.app_id AND n.received_at >= ?) / 7.0`,
		hourAgo, dayAgo, weekAgo)
	return err
}

func (s *sqliteStore) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE received_at < ?`, ms(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteSilentNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE category = ? AND received_at < ?`,
		string(engine.CategorySilent), ms(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- delivery dedup ---

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpiredDedup(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(v), true, nil
}

func (s *sqliteStore) pruneExpiredDedup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
