package engine

import "strings"

// Builtin keyword lists, matched case-insensitively as substrings of the
// combined notification text. Each list contributes a fixed weight per
// matched keyword.
const (
	keywordCriticalWeight  = 20
	keywordImportantWeight = 10
	keywordSpamWeight      = -8
	keywordFinancialWeight = 15

	keywordScoreMin = -30
	keywordScoreMax = 40
)

var criticalKeywords = []string{
	"otp", "verification code", "security code", "authentication",
	"failed", "failure", "declined", "rejected", "denied",
	"urgent", "emergency", "critical", "alert", "warning",
	"suspicious activity", "unauthorized", "breach", "fraud",
	"password reset", "account locked", "verify your identity",
	"payment failed", "transaction declined", "insufficient funds",
	"missed call", "voicemail", "alarm", "reminder", "due now",
	"expires today", "last chance", "time sensitive", "immediate action",
}

var importantKeywords = []string{
	"message", "replied", "mentioned you", "tagged you",
	"shared with you", "sent you", "commented", "reacted",
	"delivery", "shipped", "out for delivery", "arriving",
	"appointment", "meeting", "scheduled", "confirmed",
	"invoice", "receipt", "payment", "charged", "subscription",
	"update", "new version", "upgrade", "download",
	"from:", "to:", "re:", "fwd:",
	"booking", "reservation", "ticket", "order",
}

var spamKeywords = []string{
	"new video", "uploaded", "live now", "streaming",
	"watch now", "click here", "tap to open", "check this out",
	"sale", "discount", "offer", "deal", "promo", "coupon",
	"free", "win", "prize", "reward", "claim", "gift",
	"like this", "follow", "subscribe", "share",
	"recommended for you", "you might like", "trending",
	"game", "level up", "achievement", "daily bonus",
	"energy refilled", "lives restored", "new content",
	"news:", "breaking:", "story", "article", "post",
	"add friend", "friend suggestion", "people you may know",
}

var financialKeywords = []string{
	"bank", "account", "balance", "transaction", "transfer",
	"credit card", "debit card", "payment", "deposit", "withdrawal",
	"statement", "bill", "due", "overdue", "pending",
	"upi", "paytm", "gpay", "phonepe", "wallet",
}

// analyzeKeywords joins the notification's text fields, lower-cases them and
// scores builtin plus active custom keyword hits. Each keyword counts at most
// once. The sum is clamped to [keywordScoreMin, keywordScoreMax].
func analyzeKeywords(title, text, subText, bigText string, rules []KeywordRule) int {
	parts := make([]string, 0, 4)
	for _, p := range []string{title, text, subText, bigText} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	all := strings.ToLower(strings.Join(parts, " "))
	if strings.TrimSpace(all) == "" {
		return 0
	}

	boost := 0
	boost += countHits(all, criticalKeywords) * keywordCriticalWeight
	boost += countHits(all, importantKeywords) * keywordImportantWeight
	boost += countHits(all, spamKeywords) * keywordSpamWeight
	boost += countHits(all, financialKeywords) * keywordFinancialWeight

	for _, r := range rules {
		if !r.Active {
			continue
		}
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		if kw == "" {
			continue
		}
		if strings.Contains(all, kw) {
			boost += r.Modifier
		}
	}

	return clamp(boost, keywordScoreMin, keywordScoreMax)
}

func countHits(all string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(all, kw) {
			n++
		}
	}
	return n
}
