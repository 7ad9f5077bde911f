package engine

import "time"

// Category is the user-facing importance bucket derived from the final score.
type Category string

const (
	CategoryCritical  Category = "CRITICAL"
	CategoryImportant Category = "IMPORTANT"
	CategoryNormal    Category = "NORMAL"
	CategorySilent    Category = "SILENT"
)

// Score thresholds (0-100 scale). Buckets are non-overlapping and descending.
const (
	scoreCriticalMin  = 70
	scoreImportantMin = 40
	scoreNormalMin    = 15
)

// CategoryForScore maps a final score to its category.
/// It is total: every int maps to exactly one bucket.
func CategoryForScore(score int) Category {
	switch {
	case score >= scoreCriticalMin:
		return CategoryCritical
	case score >= scoreImportantMin:
		return CategoryImportant
	case score >= scoreNormalMin:
		return CategoryNormal
	default:
		return CategorySilent
	}
}

// ContentType classifies what a content identity refers to within an app.
type ContentType string

const (
	ContentChannel ContentType = "channel"
	ContentContact ContentType = "contact"
	ContentGroup   ContentType = "group"
	ContentSender  ContentType = "sender"
	ContentAccount ContentType = "account"
	ContentGeneric ContentType = "generic"
)

// Event is one inbound notification as delivered by the OS listener bridge.
// It is ephemeral; only derived state is persisted.
type Event struct {
	AppID      string    `json:"app_id"`
	AppName    string    `json:"app_name,omitempty"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text,omitempty"`
	SubText    string    `json:"sub_text,omitempty"`
	BigText    string    `json:"big_text,omitempty"`
	PostedAt   time.Time `json:"posted_at,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Identity names a sender/channel/contact within an app, enabling learning
// below app granularity. An empty ContentID means no identity could be
// recovered and scoring degrades to app-level signals only.
type Identity struct {
	ContentID string
	Type      ContentType
}

func (id Identity) Resolved() bool { return id.ContentID != "" }

// AppBehavior is the learned engagement state for one app.
//
// Counters are monotonic; rates are counter/totalReceived (0 when
// totalReceived is 0). Adjustment stays 0 until totalReceived >= 5.
type AppBehavior struct {
	AppID string

	TotalReceived  int
	TotalOpened    int
	TotalDismissed int
	TotalIgnored   int

	OpenRate    float64
	DismissRate float64
	IgnoreRate  float64

	// Adjustment is the learned signed term added to the base score, in [-20, 20].
	Adjustment int

	// Frequency tracking.
	LastHour  int
	LastDay   int
	AvgPerDay float64

	LastNotificationAt time.Time
	UpdatedAt          time.Time

	// Manual overrides.
	Locked          bool
	LockedCategory  Category // "" when not locked to a category
	CustomBaseScore *int     // nil means use the category base weight
}

// IsSpammy reports whether the app notifies often enough to be a nuisance.
func (b AppBehavior) IsSpammy() bool {
	return b.LastHour > 10 || b.AvgPerDay > 30
}

// HighEngagement reports whether the user reliably opens this app's notifications.
func (b AppBehavior) HighEngagement() bool {
	return b.OpenRate > 0.7 && b.TotalReceived > 5
}

// ContentBehavior is the learned engagement state for one sender/channel
// within an app. Same counter shape as AppBehavior, scoped to content.
type ContentBehavior struct {
	AppID     string
	ContentID string
	Type      ContentType

	TotalReceived  int
	TotalOpened    int
	TotalDismissed int
	TotalIgnored   int

	OpenRate    float64
	DismissRate float64
	IgnoreRate  float64

	// Score is the auto-learned signed term, in [-20, 20].
	Score int

	LastNotificationAt time.Time
	UpdatedAt          time.Time
}

func (b ContentBehavior) HighEngagement() bool {
	return b.OpenRate > 0.7 && b.TotalReceived > 5
}

func (b ContentBehavior) Ignored() bool {
	return b.IgnoreRate > 0.8 && b.TotalReceived > 5
}

// ContentPreference is a manual per-sender/channel preference.
type ContentPreference struct {
	AppID     string
	ContentID string
	Type      ContentType

	// Score is user-set, in [-20, 20]. 0 is neutral.
	Score  int
	Locked bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// KeywordClass is the bucket a user-defined keyword rule belongs to.
type KeywordClass string

const (
	KeywordCritical  KeywordClass = "CRITICAL"
	KeywordImportant KeywordClass = "IMPORTANT"
	KeywordSpam      KeywordClass = "SPAM"
)

// KeywordRule is a user-editable keyword with a signed score modifier.
type KeywordRule struct {
	ID       int64
	Keyword  string // matched case-insensitively as a substring
	Class    KeywordClass
	Modifier int
	Active   bool
	CreatedAt time.Time
}

// Breakdown is the transient, explainable output of one scoring pass.
type Breakdown struct {
	Base            int
	Preference      int
	Keyword         int
	FrequencyMult   float64
	AppBehavior     int
	ContentBehavior int

	Final    int // clamped to [0, 100]
	Category Category
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
