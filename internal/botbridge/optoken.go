package botbridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/types"
)

// ModConfigSource is the narrow dependency IssueOpToken needs from the
// mod-config hub.
type ModConfigSource interface {
	Pull(ctx context.Context, serverID string, afterRevision uint64) (*types.ModConfigEnvelope, error)
}

// SystemAlerter reports operational notices outside the rule-based
// anomaly flow, satisfied by alert.Transport.
type SystemAlerter interface {
	SendSystemAlert(ctx context.Context, message string) error
}

// OpTokenIssuer issues short-lived OP tokens to players in groups the
// operator has explicitly allow-listed. There is no admin-id bypass: a
// caller is authorized purely by group membership.
type OpTokenIssuer struct {
	modConfig      ModConfigSource
	alerts         SystemAlerter
	allowedGroups  map[int64]bool
	now            func() time.Time
}

// NewOpTokenIssuer returns an issuer authorizing only the given group ids.
func NewOpTokenIssuer(modConfig ModConfigSource, alerts SystemAlerter, allowedGroupIDs []int64) *OpTokenIssuer {
	allowed := make(map[int64]bool, len(allowedGroupIDs))
	for _, id := range allowedGroupIDs {
		allowed[id] = true
	}
	return &OpTokenIssuer{modConfig: modConfig, alerts: alerts, allowedGroups: allowed}
}

// IssuedToken is the result of a successful issuance.
type IssuedToken struct {
	Token           string
	ExpiresAtRFC3339 string
}

func (o *OpTokenIssuer) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

// IssueOpToken authorizes groupID against the allow-list, resolves the
// server's mod-config envelope to find the shared HMAC secret, and returns
// a signed token valid until local midnight.
func (o *OpTokenIssuer) IssueOpToken(ctx context.Context, serverID string, groupID int64, playerUUID string) (IssuedToken, error) {
	serverID = normalizeServerID(serverID)

	if !o.isGroupAuthorized(groupID) {
		o.reportMisuse(ctx, serverID, groupID, playerUUID)
		return IssuedToken{}, errs.Unauthorized{}
	}

	// An empty playerUUID means the request isn't bound to a specific
	// player (e.g. a bare chat command with no argument); only validate
	// the shape when one was actually supplied.
	if playerUUID != "" {
		if _, err := normalizePlayerUUID(playerUUID); err != nil {
			return IssuedToken{}, err
		}
	}

	env, err := o.modConfig.Pull(ctx, serverID, 0)
	if err != nil {
		return IssuedToken{}, err
	}
	if env == nil {
		return IssuedToken{}, errs.NewBadRequest("no mod configuration published for server %q", serverID)
	}

	cfg, _ := env.Config.(map[string]any)
	required, _ := cfg["op_command_token_required"].(bool)
	if !required {
		return IssuedToken{}, errs.NewBadRequest("OP token issuance is not enabled for server %q", serverID)
	}
	secret, _ := cfg["op_command_token_secret"].(string)
	if strings.TrimSpace(secret) == "" {
		return IssuedToken{}, errs.NewBadRequest("OP token secret is not configured for server %q", serverID)
	}

	now := o.clock()
	day := now.Format("20060102")
	tokenID := strings.ReplaceAll(uuid.NewString(), "-", "")
	signature := signHMACSHA256(fmt.Sprintf("lattice|v2|%s|%s", day, tokenID), secret)
	token := fmt.Sprintf("lattice.v2.%s.%s.%s", day, tokenID, signature)

	return IssuedToken{Token: token, ExpiresAtRFC3339: nextLocalMidnightRFC3339(now)}, nil
}

func (o *OpTokenIssuer) isGroupAuthorized(groupID int64) bool {
	if groupID <= 0 {
		return false
	}
	return o.allowedGroups[groupID]
}

func (o *OpTokenIssuer) reportMisuse(ctx context.Context, serverID string, groupID int64, playerUUID string) {
	if o.alerts == nil {
		return
	}
	msg := fmt.Sprintf("OP token issuance denied: group %d is not authorized for server %q (requested for player %q)", groupID, serverID, playerUUID)
	_ = o.alerts.SendSystemAlert(ctx, msg) // best-effort; issuance has already failed regardless
}

func normalizeServerID(serverID string) string {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return "server-01"
	}
	return serverID
}

func signHMACSHA256(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// normalizePlayerUUID accepts either a 32-character all-hex UUID or a
// 36-character canonical (hyphenated) UUID, and returns the 32-character
// hex form. Anything else is a BadRequest.
func normalizePlayerUUID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch len(raw) {
	case 32:
		if !isAllHex(raw) {
			return "", errs.NewBadRequest("player_uuid is not valid hex: %q", raw)
		}
		return strings.ToLower(raw), nil
	case 36:
		if !isCanonicalUUID36(raw) {
			return "", errs.NewBadRequest("player_uuid is not a canonical UUID: %q", raw)
		}
		return strings.ToLower(strings.ReplaceAll(raw, "-", "")), nil
	default:
		return "", errs.NewBadRequest("player_uuid has unexpected length: %q", raw)
	}
}

func isAllHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func isCanonicalUUID36(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
				return false
			}
		}
	}
	return true
}

// nextLocalMidnightRFC3339 returns the RFC3339 timestamp for the next
// occurrence of local midnight strictly after now. Around a DST
// transition a local day can have zero or two midnights; this picks the
// earliest valid instant the time package can construct for that date,
// matching the "earliest candidate" resolution the original issuer uses.
func nextLocalMidnightRFC3339(now time.Time) string {
	loc := now.Location()
	nextDay := now.AddDate(0, 0, 1)
	midnight := time.Date(nextDay.Year(), nextDay.Month(), nextDay.Day(), 0, 0, 0, 0, loc)
	if midnight.Day() != nextDay.Day() {
		// Midnight fell in a DST gap and time.Date normalized it back into
		// the previous day; the date's first valid instant is where that
		// zone period ends.
		_, end := midnight.ZoneBounds()
		midnight = end
	}
	return midnight.Format(time.RFC3339)
}
