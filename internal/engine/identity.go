package engine

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// sourceFamily selects which extraction heuristic applies to an app.
// Families form a closed set with an explicit generic fallback; adding a
// family means adding a case to familyFor and extractors below without
// touching existing rules.
type sourceFamily int

const (
	familyGeneric sourceFamily = iota
	familyVideo
	familyDirectMessage
	familySocialMention
	familyMail
	familySMS
)

func familyFor(appID string) sourceFamily {
	switch appID {
	case "com.google.android.youtube":
		return familyVideo
	case "com.whatsapp", "com.whatsapp.w4b":
		return familyDirectMessage
	case "com.instagram.android", "com.twitter.android":
		return familySocialMention
	}
	lower := strings.ToLower(appID)
	switch {
	case strings.Contains(lower, "mail"):
		return familyMail
	case strings.Contains(lower, "messaging"), strings.Contains(lower, "sms"):
		return familySMS
	}
	return familyGeneric
}

var (
	videoFromRe   = regexp.MustCompile(`(?i)(?:new video from|uploaded by)\s+(.+?)(?::|$)`)
	videoActionRe = regexp.MustCompile(`(?i)^(.+?)\s+(?:uploaded|posted|shared)`)
	mentionRe     = regexp.MustCompile(`@?([a-zA-Z0-9._]+)\s+(?:liked|commented|followed|mentioned|tagged|retweeted|replied)`)
	emailAddrRe   = regexp.MustCompile(`([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
)

// ExtractIdentity recovers a stable (contentID, contentType) from raw
// notification text. It never fails: unmatched patterns yield an unresolved
// identity (empty ContentID, still typed by family) and the caller falls
// back to app-level scoring. Deterministic, no I/O.
func ExtractIdentity(appID, title, text string) Identity {
	switch familyFor(appID) {
	case familyVideo:
		return extractChannel(title, text)
	case familyDirectMessage:
		return extractDirectMessage(title)
	case familySocialMention:
		return extractMention(title, text)
	case familyMail:
		return extractMailSender(title)
	case familySMS:
		return extractSMSSender(title)
	default:
		return Identity{Type: ContentGeneric}
	}
}

// extractChannel handles video notifications. Known shapes:
//
//	"New video from NetworkChuck"
//	"NetworkChuck uploaded: Title"
//	"NetworkChuck: Title"
func extractChannel(title, text string) Identity {
	combined := title + " " + text

	if m := videoFromRe.FindStringSubmatch(combined); m != nil {
		if ch := strings.TrimSpace(m[1]); ch != "" {
			return Identity{ContentID: ch, Type: ContentChannel}
		}
	}
	if m := videoActionRe.FindStringSubmatch(title); m != nil {
		if ch := strings.TrimSpace(m[1]); ch != "" {
			return Identity{ContentID: ch, Type: ContentChannel}
		}
	}
	if i := strings.Index(title, ":"); i >= 0 {
		if ch := strings.TrimSpace(title[:i]); ch != "" {
			return Identity{ContentID: ch, Type: ContentChannel}
		}
	}
	return Identity{Type: ContentChannel}
}

// extractDirectMessage handles messenger titles like "Rahul Kumar" or
// "Tech Group (5 messages)". Group chats tend to carry "group" in the name
// or be noticeably longer than a person's name.
func extractDirectMessage(title string) Identity {
	if title == "" {
		return Identity{Type: ContentContact}
	}

	sender := title
	if i := strings.Index(sender, "("); i >= 0 {
		sender = sender[:i]
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return Identity{Type: ContentContact}
	}

	if strings.Contains(strings.ToLower(sender), "group") || utf8.RuneCountInString(sender) > 20 {
		return Identity{ContentID: sender, Type: ContentGroup}
	}
	return Identity{ContentID: sender, Type: ContentContact}
}

// extractMention handles social notifications like "@someone liked your photo"
// or "someone started following you".
func extractMention(title, text string) Identity {
	combined := title + " " + text
	if m := mentionRe.FindStringSubmatch(combined); m != nil {
		if h := strings.TrimSpace(m[1]); h != "" {
			return Identity{ContentID: h, Type: ContentAccount}
		}
	}
	return Identity{Type: ContentAccount}
}

// extractMailSender prefers an embedded email address, else the raw title.
func extractMailSender(title string) Identity {
	if title == "" {
		return Identity{Type: ContentSender}
	}
	if m := emailAddrRe.FindStringSubmatch(title); m != nil {
		return Identity{ContentID: m[1], Type: ContentSender}
	}
	return Identity{ContentID: strings.TrimSpace(title), Type: ContentSender}
}

func extractSMSSender(title string) Identity {
	if title == "" {
		return Identity{Type: ContentSender}
	}
	sender := trimPrefixFold(title, "New message from ")
	sender = trimPrefixFold(sender, "SMS from ")
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return Identity{Type: ContentSender}
	}
	return Identity{ContentID: sender, Type: ContentSender}
}

func trimPrefixFold(s, prefix string) string {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):]
	}
	return s
}
