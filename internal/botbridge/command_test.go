package botbridge

import "testing"

func TestNormalizeCommandTextConvertsFullWidthSlash(t *testing.T) {
	if got := normalizeCommandText("／申请"); got != "/申请" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeCommandTextStripsCQCodes(t *testing.T) {
	got := normalizeCommandText("[CQ:at,qq=123] 申请 token")
	if got != "申请 token" {
		t.Fatalf("got %q", got)
	}
}

func TestIsIssueTokenCommandSupportsAllAliases(t *testing.T) {
	for _, alias := range []string{"/申请", "申请", "/申请token", "申请token"} {
		if !isIssueTokenCommand(alias) {
			t.Fatalf("expected alias %q to match", alias)
		}
	}
}

func TestIsIssueTokenCommandRejectsUnrelatedText(t *testing.T) {
	if isIssueTokenCommand("hello world") {
		t.Fatal("unrelated text must not match")
	}
}

func TestExtractTextSegmentsIgnoresNonTextSegments(t *testing.T) {
	segments := []messageSegment{
		{Type: "at", Data: map[string]string{"qq": "123"}},
		{Type: "text", Data: map[string]string{"text": "申请"}},
		{Type: "image", Data: map[string]string{"file": "x.png"}},
		{Type: "text", Data: map[string]string{"text": "token"}},
	}
	if got := extractTextSegments(segments); got != "申请token" {
		t.Fatalf("got %q", got)
	}
}

func TestIsValidGroupMessageRequiresPositiveIDs(t *testing.T) {
	cases := []struct {
		name string
		ev   groupMessageEvent
		want bool
	}{
		{"valid", groupMessageEvent{PostType: "message", MessageType: "group", GroupID: 1, UserID: 1}, true},
		{"zero group", groupMessageEvent{PostType: "message", MessageType: "group", GroupID: 0, UserID: 1}, false},
		{"wrong message type", groupMessageEvent{PostType: "message", MessageType: "private", GroupID: 1, UserID: 1}, false},
		{"wrong post type", groupMessageEvent{PostType: "notice", MessageType: "group", GroupID: 1, UserID: 1}, false},
		{"uppercase post type", groupMessageEvent{PostType: "MESSAGE", MessageType: "group", GroupID: 1, UserID: 1}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.ev.isValidGroupMessage(); got != c.want {
				t.Fatalf("got %v want %v", got, c.want)
			}
		})
	}
}

func TestResolveWSSourceURLsDedupesAndFiltersScheme(t *testing.T) {
	got := resolveWSSourceURLs("ws://a", "http://b", "ws://a", "wss://c", "")
	want := []string{"ws://a", "wss://c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
