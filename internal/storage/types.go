package storage

import (
	"context"
	"errors"
	"time"

	"notifiq/internal/engine"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Config controls the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Notification is one persisted classification result. Key is the stable
// notification key assigned by the OS listener bridge; feedback events
// reference it because the bridge never sees our row ids.
type Notification struct {
	ID  int64
	Key string

	AppID   string
	AppName string
	Title   string
	Text    string

	ContentID   string
	ContentType engine.ContentType

	Score    int
	Category engine.Category

	Opened    bool
	Dismissed bool

	ReceivedAt  time.Time
	OpenedAt    time.Time // zero until opened
	DismissedAt time.Time // zero until dismissed
}

// Store is the persistence API used by the pipeline and the learner.
//
// Counter increments are single UPDATE statements so concurrent workers never
// read-modify-write; learned fields (rates, adjustments) are written only by
// the learner via the Update*Learning methods.
type Store interface {
	// App behavior.
	GetOrCreateAppBehavior(ctx context.Context, appID string) (engine.AppBehavior, error)
	ListAppBehaviors(ctx context.Context) ([]engine.AppBehavior, error)
	UpdateAppLearning(ctx context.Context, b engine.AppBehavior) error
	IncrementAppReceived(ctx context.Context, appID string, at time.Time) error
	IncrementAppOpened(ctx context.Context, appID string) error
	IncrementAppDismissed(ctx context.Context, appID string) error
	SetAppLock(ctx context.Context, appID string, category engine.Category, baseScore *int) error
	ClearAppLock(ctx context.Context, appID string) error

	// Content behavior.
	GetOrCreateContentBehavior(ctx context.Context, appID, contentID string, typ engine.ContentType) (engine.ContentBehavior, error)
	ListContentBehaviors(ctx context.Context) ([]engine.ContentBehavior, error)
	UpdateContentLearning(ctx context.Context, b engine.ContentBehavior) error
	IncrementContentReceived(ctx context.Context, appID, contentID string, at time.Time) error
	IncrementContentOpened(ctx context.Context, appID, contentID string) error
	IncrementContentDismissed(ctx context.Context, appID, contentID string) error

	// Manual per-content preferences. Rows are created lazily with neutral
	// defaults the first time an identity is seen; users then adjust them.
	GetOrCreateContentPreference(ctx context.Context, appID, contentID string, typ engine.ContentType) (engine.ContentPreference, error)
	GetContentPreference(ctx context.Context, appID, contentID string) (engine.ContentPreference, bool, error)
	UpsertContentPreference(ctx context.Context, p engine.ContentPreference) error

	// Keyword rules. Config-sourced rules are replaced wholesale on reload;
	// user-sourced rules are managed individually.
	ListActiveKeywords(ctx context.Context) ([]engine.KeywordRule, error)
	AddKeyword(ctx context.Context, r engine.KeywordRule) (int64, error)
	SetKeywordActive(ctx context.Context, id int64, active bool) error
	DeleteKeyword(ctx context.Context, id int64) error
	ReplaceConfigKeywords(ctx context.Context, rules []engine.KeywordRule) error

	// Notification records and interaction feedback.
	// InsertNotification persists a classification result. MarkOpened and
	// MarkDismissed flag the newest row for the bridge key; changed is false
	// when the row was already in that state, so duplicate feedback events
	// never double-count.
	InsertNotification(ctx context.Context, n Notification) (int64, error)
	MarkOpened(ctx context.Context, key string, at time.Time) (n Notification, changed bool, err error)
	MarkDismissed(ctx context.Context, key string, at time.Time) (n Notification, changed bool, err error)
	CountReceivedSince(ctx context.Context, appID string, since time.Time) (int, error)

	// Learner maintenance.
	MarkIgnoredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	RefreshFrequencyMetrics(ctx context.Context, now time.Time) error
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSilentNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Delivery dedup.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
