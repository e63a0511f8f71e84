package botbridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleEventIgnoresNonCommandMessages(t *testing.T) {
	issuer := NewOpTokenIssuer(&fakeModConfig{env: enabledEnvelope()}, &fakeAlerter{}, []int64{111})
	b := NewBridge(issuer, nil)

	_, matched := b.handleEvent(context.Background(), "server-01", &groupMessageEvent{
		PostType: "message", MessageType: "group", GroupID: 111, UserID: 1, RawMessage: "hello",
	})
	require.False(t, matched)
}

func TestHandleEventIgnoresInvalidEvents(t *testing.T) {
	issuer := NewOpTokenIssuer(&fakeModConfig{env: enabledEnvelope()}, &fakeAlerter{}, []int64{111})
	b := NewBridge(issuer, nil)

	_, matched := b.handleEvent(context.Background(), "server-01", &groupMessageEvent{
		PostType: "message", MessageType: "private", GroupID: 111, UserID: 1, RawMessage: "申请",
	})
	require.False(t, matched)
}

func TestHandleEventIssuesTokenForRecognizedCommand(t *testing.T) {
	issuer := NewOpTokenIssuer(&fakeModConfig{env: enabledEnvelope()}, &fakeAlerter{}, []int64{111})
	b := NewBridge(issuer, nil)

	reply, matched := b.handleEvent(context.Background(), "server-01", &groupMessageEvent{
		PostType: "message", MessageType: "group", GroupID: 111, UserID: 1, RawMessage: "申请",
	})
	require.True(t, matched)
	require.Contains(t, reply, "OP")
}

func TestHandleEventRepliesWithDenialForUnauthorizedGroup(t *testing.T) {
	issuer := NewOpTokenIssuer(&fakeModConfig{env: enabledEnvelope()}, &fakeAlerter{}, []int64{111})
	b := NewBridge(issuer, nil)

	reply, matched := b.handleEvent(context.Background(), "server-01", &groupMessageEvent{
		PostType: "message", MessageType: "group", GroupID: 999, UserID: 1, RawMessage: "申请",
	})
	require.True(t, matched)
	require.Contains(t, reply, "未授权")
}
