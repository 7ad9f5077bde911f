package engine

import "strings"

// Base importance weights per app category.
const (
	baseWeightBanking       = 80
	baseWeightMessaging     = 60
	baseWeightEmail         = 50
	baseWeightSocial        = 35
	baseWeightEntertainment = 15
	baseWeightGames         = 10
	baseWeightDefault       = 30
)

// App id category sets, checked in descending weight order; first match wins.
// Banking matches by substring (regional bank apps vary too much for an exact
// list); the rest are exact ids, plus a "game" substring catch-all.
var bankingAppHints = []string{
	"com.google.android.apps.nbu.paisa.user",
	"net.one97.paytm",
	"com.phonepe.app",
	"com.axis.mobile",
	"com.sbi.lotusintouch",
	"com.hdfc.mobile",
	"com.icicibank.pockets",
}

var messagingApps = map[string]bool{
	"com.whatsapp":                      true,
	"com.whatsapp.w4b":                  true,
	"org.telegram.messenger":            true,
	"com.discord":                       true,
	"com.snapchat.android":              true,
	"com.facebook.orca":                 true,
	"com.google.android.apps.messaging": true,
	"com.samsung.android.messaging":     true,
}

var emailApps = map[string]bool{
	"com.google.android.gm":                  true,
	"com.microsoft.office.outlook":           true,
	"com.yahoo.mobile.client.android.mail":   true,
	"com.samsung.android.email.provider":     true,
}

var socialApps = map[string]bool{
	"com.instagram.android": true,
	"com.facebook.katana":   true,
	"com.twitter.android":   true,
	"com.linkedin.android":  true,
	"com.reddit.frontpage":  true,
	"com.tumblr":            true,
	"com.pinterest":         true,
}

var entertainmentApps = map[string]bool{
	"com.google.android.youtube":          true,
	"com.netflix.mediaclient":             true,
	"com.spotify.music":                   true,
	"com.amazon.avod.thirdpartyclient":    true,
	"com.hotstar.android":                 true,
}

// ScoreInput is the full snapshot one scoring pass operates on. Optional
// state may be nil and contributes zero; the scorer never fails on absence.
type ScoreInput struct {
	Event    Event
	Identity Identity

	App        *AppBehavior
	Preference *ContentPreference
	Content    *ContentBehavior

	Rules    []KeywordRule
	LastHour int // notifications from this app in the last hour
}

// scoreLayer is one named term in the fixed evaluation order. Layers are
// additive; the frequency multiplier applies to their sum.
type scoreLayer struct {
	name string
	term func(in ScoreInput) int
}

var scoreLayers = []scoreLayer{
	{"base", baseTerm},
	{"preference", preferenceTerm},
	{"keywords", keywordTerm},
	{"app_behavior", appBehaviorTerm},
	{"content_behavior", contentBehaviorTerm},
}

// Score combines all layers into a bounded, explainable breakdown.
// Deterministic: identical inputs yield identical breakdowns.
func Score(in ScoreInput) Breakdown {
	bd := Breakdown{FrequencyMult: FrequencyMultiplier(in.LastHour)}

	sum := 0
	for _, l := range scoreLayers {
		v := l.term(in)
		sum += v
		switch l.name {
		case "base":
			bd.Base = v
		case "preference":
			bd.Preference = v
		case "keywords":
			bd.Keyword = v
		case "app_behavior":
			bd.AppBehavior = v
		case "content_behavior":
			bd.ContentBehavior = v
		}
	}

	// Truncate, don't round: 15 * 0.3 must land on 4, not 5.
	bd.Final = clamp(int(float64(sum)*bd.FrequencyMult), 0, 100)
	bd.Category = CategoryForScore(bd.Final)
	return bd
}

func baseTerm(in ScoreInput) int {
	if in.App != nil && in.App.CustomBaseScore != nil {
		return *in.App.CustomBaseScore
	}
	return baseWeight(in.Event.AppID)
}

func baseWeight(appID string) int {
	lower := strings.ToLower(appID)
	for _, hint := range bankingAppHints {
		if strings.Contains(lower, hint) {
			return baseWeightBanking
		}
	}
	switch {
	case messagingApps[appID]:
		return baseWeightMessaging
	case emailApps[appID]:
		return baseWeightEmail
	case socialApps[appID]:
		return baseWeightSocial
	case entertainmentApps[appID]:
		return baseWeightEntertainment
	case strings.Contains(lower, "game"):
		return baseWeightGames
	default:
		return baseWeightDefault
	}
}

func preferenceTerm(in ScoreInput) int {
	if in.Preference == nil {
		return 0
	}
	return in.Preference.Score
}

func keywordTerm(in ScoreInput) int {
	ev := in.Event
	return analyzeKeywords(ev.Title, ev.Text, ev.SubText, ev.BigText, in.Rules)
}

func appBehaviorTerm(in ScoreInput) int {
	if in.App == nil {
		return 0
	}
	return in.App.Adjustment
}

func contentBehaviorTerm(in ScoreInput) int {
	if in.Content == nil {
		return 0
	}
	return in.Content.Score
}

// FrequencyMultiplier is a penalty-only step function of how many
// notifications the app produced in the last hour.
func FrequencyMultiplier(lastHour int) float64 {
	switch {
	case lastHour <= 2:
		return 1.0
	case lastHour <= 5:
		return 0.9
	case lastHour <= 10:
		return 0.7
	case lastHour <= 20:
		return 0.5
	default:
		return 0.3
	}
}
