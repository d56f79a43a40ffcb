package server

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestRouter_ContentForwardedToOthersOnly(t *testing.T) {
	req := require.New(t)
	f := newPresenceFixture(t)

	sess, a := f.join("doc", "a", "Alice")
	_, b := f.join("doc", "b", "Bob")
	_, c := f.join("doc", "c", "Carol")
	a.reset()
	b.reset()
	c.reset()

	raw := []byte(`{"type":"content-update","data":{"content":"# Title\n\nbody","cursor":12}}`)
	req.NoError(f.router.Route(sess, "b", raw))

	req.Empty(b.envelopes(t))
	for _, peer := range []*fakePeer{a, c} {
		envs := peer.envelopes(t)
		req.Len(envs, 1)
		req.Equal(TypeContentUpdate, envs[0].Type)
		req.JSONEq(`{"content":"# Title\n\nbody","cursor":12}`, string(envs[0].Data))
	}
	req.Equal("# Title\n\nbody", sess.Content())
}

func TestRouter_ContentUpdateUpdatesTimestamp(t *testing.T) {
	f := newPresenceFixture(t)
	sess, _ := f.join("doc", "a", "Alice")
	created := sess.Info().UpdatedAt

	f.clock.Advance(time.Second)
	require.NoError(t, f.router.Route(sess, "a", []byte(`{"type":"content-update","data":{"content":"x"}}`)))

	assert.Equal(t, created.Add(time.Second), sess.Info().UpdatedAt)
}

func TestRouter_RepeatedContentIsForwardedEachTime(t *testing.T) {
	f := newPresenceFixture(t)
	sess, _ := f.join("doc", "a", "Alice")
	_, b := f.join("doc", "b", "Bob")
	b.reset()

	raw := []byte(`{"type":"content-update","data":{"content":"same"}}`)
	require.NoError(t, f.router.Route(sess, "a", raw))
	require.NoError(t, f.router.Route(sess, "a", raw))

	updates := b.ofType(t, TypeContentUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, "same", sess.Content())
}

func TestRouter_EmptyContentIsAccepted(t *testing.T) {
	f := newPresenceFixture(t)
	sess, _ := f.join("doc", "a", "Alice")
	require.NoError(t, f.router.Route(sess, "a", []byte(`{"type":"content-update","data":{"content":"text"}}`)))
	require.NoError(t, f.router.Route(sess, "a", []byte(`{"type":"content-update","data":{"content":""}}`)))
	assert.Equal(t, "", sess.Content())
}

func TestRouter_PointerForwardedNotStored(t *testing.T) {
	req := require.New(t)
	f := newPresenceFixture(t)

	sess, a := f.join("doc", "a", "Alice")
	_, b := f.join("doc", "b", "Bob")
	a.reset()
	b.reset()

	req.NoError(f.router.Route(sess, "a", []byte(`{"type":"pointer-update","data":{"line":3,"ch":7}}`)))

	req.Empty(a.envelopes(t))
	envs := b.envelopes(t)
	req.Len(envs, 1)
	req.Equal(TypePointerUpdate, envs[0].Type)
	req.JSONEq(`{"line":3,"ch":7}`, string(envs[0].Data))
	req.Equal("", sess.Content())

	// A late joiner only sees stored content.
	_, c := f.join("doc", "c", "Carol")
	req.Empty(c.ofType(t, TypePointerUpdate))
}

func TestRouter_RejectsBadMessages(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not json", raw: `hello`, want: ErrMalformedMessage},
		{name: "missing type", raw: `{"data":{"content":"x"}}`, want: ErrMalformedMessage},
		{name: "unknown type", raw: `{"type":"chat","data":{}}`, want: ErrUnknownMessageType},
		{name: "content without content", raw: `{"type":"content-update","data":{}}`, want: ErrMalformedMessage},
		{name: "content with wrong shape", raw: `{"type":"content-update","data":{"content":42}}`, want: ErrMalformedMessage},
		{name: "pointer without data", raw: `{"type":"pointer-update"}`, want: ErrMalformedMessage},
		{name: "pointer with null data", raw: `{"type":"pointer-update","data":null}`, want: ErrMalformedMessage},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newPresenceFixture(t)
			sess, _ := f.join("doc", "a", "Alice")
			require.NoError(t, f.router.Route(sess, "a", []byte(`{"type":"content-update","data":{"content":"kept"}}`)))
			_, b := f.join("doc", "b", "Bob")
			b.reset()

			err := f.router.Route(sess, "a", []byte(tc.raw))

			require.ErrorIs(t, err, tc.want)
			assert.Empty(t, b.envelopes(t))
			assert.Equal(t, "kept", sess.Content())
			assert.Equal(t, 2, sess.ParticipantCount())
		})
	}
}

func TestRouter_InvalidMessageStillCountsAsActivity(t *testing.T) {
	f := newPresenceFixture(t)
	sess, a := f.join("doc", "a", "Alice")
	joinedAt := a.lastRoster(t)[0].LastActivity

	f.clock.Advance(time.Minute)
	require.Error(t, f.router.Route(sess, "a", []byte(`{broken`)))

	assert.Equal(t, joinedAt+time.Minute.Milliseconds(), sess.Roster()[0].LastActivity)
}

func TestRouter_UnknownSenderIsRejected(t *testing.T) {
	f := newPresenceFixture(t)
	sess, a := f.join("doc", "a", "Alice")
	a.reset()

	err := f.router.Route(sess, "ghost", []byte(`{"type":"content-update","data":{"content":"boo"}}`))

	require.Error(t, err)
	assert.Empty(t, a.envelopes(t))
	assert.Equal(t, "", sess.Content())
}

func TestRouter_FullQueueDoesNotBlockOthers(t *testing.T) {
	f := newPresenceFixture(t)
	sess, _ := f.join("doc", "a", "Alice")
	_, slow := f.join("doc", "slow", "Slow")
	_, fast := f.join("doc", "fast", "Fast")
	slow.reset()
	fast.reset()
	slow.setFull(true)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.router.Route(sess, "a", contentFrame(fmt.Sprintf("v%d", i))))
	}

	assert.Empty(t, slow.envelopes(t))
	assert.Len(t, fast.ofType(t, TypeContentUpdate), 5)
	assert.Equal(t, 3, sess.ParticipantCount())
}

func TestRouter_PreservesPerSenderOrder(t *testing.T) {
	f := newPresenceFixture(t)
	sess, _ := f.join("doc", "a", "Alice")
	_, b := f.join("doc", "b", "Bob")
	b.reset()

	const edits = 50
	for i := 0; i < edits; i++ {
		raw, err := json.Marshal(map[string]any{
			"type": TypeContentUpdate,
			"data": map[string]string{"content": fmt.Sprintf("edit-%02d", i)},
		})
		require.NoError(t, err)
		require.NoError(t, f.router.Route(sess, "a", raw))
	}

	updates := b.ofType(t, TypeContentUpdate)
	require.Len(t, updates, edits)
	for i, env := range updates {
		assert.Equal(t, fmt.Sprintf("edit-%02d", i), decodeContent(t, env))
	}
	assert.Equal(t, fmt.Sprintf("edit-%02d", edits-1), sess.Content())
}

func TestRouter_DeadPeerIsNeverSent(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newPresenceFixture(t)

	dead := NewMockPeer(ctrl)
	dead.EXPECT().ID().Return("conn-dead").AnyTimes()
	// Its own join: the snapshot and the first roster.
	dead.EXPECT().Send(gomock.Any()).Return(true).Times(2)
	dead.EXPECT().Live().Return(true).Times(1)
	dead.EXPECT().Live().Return(false).AnyTimes()

	sess, _ := f.presence.Join("doc", "dead", "Dead", dead)
	_, b := f.join("doc", "b", "Bob")

	require.NoError(t, f.router.Route(sess, "b", []byte(`{"type":"content-update","data":{"content":"anyone?"}}`)))
	require.NoError(t, f.router.Route(sess, "b", []byte(`{"type":"pointer-update","data":{"x":1}}`)))

	assert.Len(t, b.lastRoster(t), 2)
}

func TestRouter_OpenAndClose(t *testing.T) {
	f := newPresenceFixture(t)
	a := newFakePeer("conn-a")
	b := newFakePeer("conn-b")

	sess := f.router.Open("doc", "a", "Alice", a)
	require.NotNil(t, sess)
	f.router.Open("doc", "b", "Bob", b)
	require.Equal(t, 2, sess.ParticipantCount())

	f.router.Close(sess, "b", b)
	f.router.Close(nil, "b", b)

	assert.Equal(t, 1, sess.ParticipantCount())
	assert.Len(t, a.lastRoster(t), 1)
}
