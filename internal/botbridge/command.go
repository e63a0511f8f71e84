// Package botbridge is the chat-command bridge (C8): it parses inbound
// group messages from a QQ bot front end, recognizes the OP-token issuance
// command, and issues short-lived signed tokens to authorized groups.
package botbridge

import (
	"regexp"
	"strings"
)

// issueTokenAliases are the exact phrasings that trigger OP token
// issuance. No fuzzy or prefix matching: an unrecognized phrasing is
// simply not a command.
var issueTokenAliases = map[string]bool{
	"/申请":      true,
	"申请":       true,
	"/申请token": true,
	"申请token":  true,
}

var cqCodePattern = regexp.MustCompile(`^\[CQ:[^\]]*\]$`)

// normalizeCommandText converts full-width slashes to ASCII, then drops
// every whitespace-separated word that is a whole CQ code (e.g.
// "[CQ:at,qq=123]") and rejoins the remaining words with single spaces. A
// CQ code joined to other text without whitespace is kept.
func normalizeCommandText(raw string) string {
	text := strings.ReplaceAll(raw, "／", "/")
	fields := strings.Fields(text)

	var kept []string
	for _, f := range fields {
		if cqCodePattern.MatchString(f) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}

// isIssueTokenCommand reports whether the normalized text (after CQ-code
// stripping) exactly matches one of the recognized aliases.
func isIssueTokenCommand(raw string) bool {
	return issueTokenAliases[normalizeCommandText(raw)]
}

// messageSegment is one element of napcat's array message format.
type messageSegment struct {
	Type string         `json:"type"`
	Data map[string]string `json:"data"`
}

// extractTextSegments concatenates the "text" field of every type=="text"
// segment, in order, ignoring image/at/face/etc segments entirely.
func extractTextSegments(segments []messageSegment) string {
	var sb strings.Builder
	for _, seg := range segments {
		if seg.Type != "text" {
			continue
		}
		sb.WriteString(seg.Data["text"])
	}
	return sb.String()
}

// groupMessageEvent is the subset of a napcat onebot event this bridge
// understands: a group message with a known sender.
type groupMessageEvent struct {
	PostType    string           `json:"post_type"`
	MessageType string           `json:"message_type"`
	GroupID     int64            `json:"group_id"`
	UserID      int64            `json:"user_id"`
	RawMessage  string           `json:"raw_message"`
	Message     []messageSegment `json:"message"`
}

// commandText resolves the effective text of the event: prefer the raw
// string form when present, otherwise reconstruct from segments.
func (e *groupMessageEvent) commandText() string {
	if e.RawMessage != "" {
		return e.RawMessage
	}
	return extractTextSegments(e.Message)
}

// isValidGroupMessage reports whether e is a well-formed group message
// this bridge should act on.
func (e *groupMessageEvent) isValidGroupMessage() bool {
	if !strings.EqualFold(e.PostType, "message") {
		return false
	}
	if e.MessageType != "group" {
		return false
	}
	return e.GroupID > 0 && e.UserID > 0
}
