package engine

import "testing"

func TestExtractIdentityVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		appID     string
		title     string
		text      string
		contentID string
		ctype     ContentType
	}{
		{name: "youtube colon fallback", appID: "com.google.android.youtube", title: "NetworkChuck: New router teardown", contentID: "NetworkChuck", ctype: ContentChannel},
		{name: "youtube new video from", appID: "com.google.android.youtube", title: "YouTube", text: "New video from Fireship", contentID: "Fireship", ctype: ContentChannel},
		{name: "youtube uploaded", appID: "com.google.android.youtube", title: "Veritasium uploaded: Why gravity lies", contentID: "Veritasium", ctype: ContentChannel},
		{name: "youtube no pattern", appID: "com.google.android.youtube", title: "Trending now", contentID: "", ctype: ContentChannel},
		{name: "whatsapp contact", appID: "com.whatsapp", title: "Rahul Kumar", text: "Are we meeting today?", contentID: "Rahul Kumar", ctype: ContentContact},
		{name: "whatsapp group keyword", appID: "com.whatsapp", title: "Tech Group (5 messages)", contentID: "Tech Group", ctype: ContentGroup},
		{name: "whatsapp long name is group", appID: "com.whatsapp", title: "Weekend Hiking Crew Planning", contentID: "Weekend Hiking Crew Planning", ctype: ContentGroup},
		{name: "whatsapp business", appID: "com.whatsapp.w4b", title: "Acme Support", contentID: "Acme Support", ctype: ContentContact},
		{name: "instagram handle", appID: "com.instagram.android", title: "@jane.doe liked your photo", contentID: "jane.doe", ctype: ContentAccount},
		{name: "instagram bare handle", appID: "com.instagram.android", title: "Instagram", text: "someuser commented on your post", contentID: "someuser", ctype: ContentAccount},
		{name: "twitter retweet", appID: "com.twitter.android", title: "@gopher retweeted your post", contentID: "gopher", ctype: ContentAccount},
		{name: "social no verb", appID: "com.instagram.android", title: "You have new activity", contentID: "", ctype: ContentAccount},
		{name: "gmail embedded address", appID: "com.google.android.gm", title: "Invoice from billing@example.com", contentID: "billing@example.com", ctype: ContentSender},
		{name: "gmail raw title", appID: "com.google.android.gm", title: "GitHub", text: "Your build passed", contentID: "GitHub", ctype: ContentSender},
		{name: "sms prefix stripped", appID: "com.google.android.apps.messaging", title: "New message from Mom", contentID: "Mom", ctype: ContentSender},
		{name: "sms from prefix", appID: "com.android.sms", title: "SMS from +15551234567", contentID: "+15551234567", ctype: ContentSender},
		{name: "unknown app", appID: "com.example.random", title: "Hello", contentID: "", ctype: ContentGeneric},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractIdentity(tt.appID, tt.title, tt.text)
			if got.ContentID != tt.contentID {
				t.Fatalf("ContentID = %q, want %q", got.ContentID, tt.contentID)
			}
			if got.Type != tt.ctype {
				t.Fatalf("Type = %s, want %s", got.Type, tt.ctype)
			}
			if got.Resolved() != (tt.contentID != "") {
				t.Fatalf("Resolved() = %v for ContentID %q", got.Resolved(), got.ContentID)
			}
		})
	}
}

func TestExtractIdentityEmptyInput(t *testing.T) {
	t.Parallel()
	// Empty input never resolves, but the miss keeps the family's type.
	cases := []struct {
		appID string
		ctype ContentType
	}{
		{"com.google.android.youtube", ContentChannel},
		{"com.whatsapp", ContentContact},
		{"com.instagram.android", ContentAccount},
		{"com.google.android.gm", ContentSender},
		{"com.android.sms", ContentSender},
		{"com.example.random", ContentGeneric},
	}
	for _, tc := range cases {
		got := ExtractIdentity(tc.appID, "", "")
		if got.Resolved() {
			t.Fatalf("%s: expected unresolved identity, got %+v", tc.appID, got)
		}
		if got.Type != tc.ctype {
			t.Fatalf("%s: Type = %s, want %s", tc.appID, got.Type, tc.ctype)
		}
	}
}

func TestExtractIdentityDeterministic(t *testing.T) {
	t.Parallel()
	a := ExtractIdentity("com.whatsapp", "Tech Group (12 messages)", "ping")
	b := ExtractIdentity("com.whatsapp", "Tech Group (12 messages)", "ping")
	if a != b {
		t.Fatalf("extraction not deterministic: %+v vs %+v", a, b)
	}
}
