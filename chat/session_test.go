package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testThread  = "60bec351-0a7d-4a30-8eb5-af942ad371f4"
	testMailbox = "74e82cc4-4291-49cf-845d-c290ea2b3318"
)

type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool
	inbox    chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.inbox
	if !ok {
		return nil, errors.New("fake conn drained")
	}
	return data, nil
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTransportClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Render(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Body
	}
	return out
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithRenderer(rec), WithLogger(zerolog.Nop())}, opts...)
	s := NewSession(opts...)
	require.NoError(t, s.Configure(testThread, testMailbox))
	return s, rec
}

// followingSession returns a session that has already issued its follow request.
func followingSession(t *testing.T, opts ...Option) (*Session, *fakeConn, *recorder) {
	t.Helper()
	s, rec := newTestSession(t, opts...)
	conn := newFakeConn()
	require.NoError(t, s.TransportOpened(conn))
	require.NoError(t, s.PageReady())
	require.Equal(t, StateFollowing, s.State())
	return s, conn, rec
}

const wantFollow = `{"model":"thread","action":"list","follow":true,"limit":100,"thread_id":"` + testThread + `"}`

func TestConfigureRejectsEmptyIDs(t *testing.T) {
	tests := []struct {
		name    string
		thread  string
		mailbox string
	}{
		{"empty thread", "", testMailbox},
		{"empty mailbox", testThread, ""},
		{"blank thread", "   ", testMailbox},
		{"both empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSession(WithLogger(zerolog.Nop()))
			err := s.Configure(tc.thread, tc.mailbox)
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Empty(t, s.ThreadID())
		})
	}
}

func TestConfigureBindingIsFixed(t *testing.T) {
	s, _ := newTestSession(t)

	require.NoError(t, s.Configure(testThread, testMailbox))
	err := s.Configure("other-thread", testMailbox)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, testThread, s.ThreadID())
	assert.Equal(t, testMailbox, s.MailboxID())
}

func TestConnectRequiresConfiguration(t *testing.T) {
	s := NewSession(WithLogger(zerolog.Nop()))
	err := s.Connect(context.Background(), "ws://example.invalid/socket/")
	require.ErrorIs(t, err, ErrConfiguration)

	err = s.TransportOpened(newFakeConn())
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestFollowWhenPageReadyAfterOpen(t *testing.T) {
	s, _ := newTestSession(t)
	conn := newFakeConn()

	require.NoError(t, s.TransportOpened(conn))
	assert.Empty(t, conn.written())
	assert.Equal(t, StateConnected, s.State())

	require.NoError(t, s.PageReady())
	writes := conn.written()
	require.Len(t, writes, 1)
	assert.JSONEq(t, wantFollow, writes[0])
	assert.Equal(t, StateFollowing, s.State())
	assert.True(t, s.Following())
}

func TestFollowWhenOpenAfterPageReady(t *testing.T) {
	s, _ := newTestSession(t)
	conn := newFakeConn()

	require.NoError(t, s.PageReady())
	assert.False(t, s.Following())

	require.NoError(t, s.TransportOpened(conn))
	writes := conn.written()
	require.Len(t, writes, 1)
	assert.JSONEq(t, wantFollow, writes[0])
	assert.Equal(t, StateFollowing, s.State())
}

func TestFollowIsIssuedOnce(t *testing.T) {
	s, conn, _ := followingSession(t)

	require.NoError(t, s.PageReady())
	require.NoError(t, s.PageReady())
	require.ErrorIs(t, s.TransportOpened(newFakeConn()), ErrAlreadyConnected)
	require.NoError(t, s.PageReady())

	assert.Len(t, conn.written(), 1)
}

func TestFollowConcurrentTriggers(t *testing.T) {
	s, _ := newTestSession(t)
	conn := newFakeConn()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.TransportOpened(conn)
	}()
	go func() {
		defer wg.Done()
		_ = s.PageReady()
	}()
	wg.Wait()
	for range 4 {
		_ = s.PageReady()
	}

	assert.Len(t, conn.written(), 1)
	assert.Equal(t, StateFollowing, s.State())
}

func TestFollowRequestOptions(t *testing.T) {
	s, _ := newTestSession(t, WithFollowLimit(25), WithStringParams(true))
	conn := newFakeConn()
	require.NoError(t, s.PageReady())
	require.NoError(t, s.TransportOpened(conn))

	writes := conn.written()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"model":"thread","action":"list","follow":"true","limit":"25","thread_id":"`+testThread+`"}`, writes[0])
}

func TestFollowWriteFailureIsReturned(t *testing.T) {
	s, _ := newTestSession(t)
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")

	require.NoError(t, s.PageReady())
	err := s.TransportOpened(conn)
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateConnected, s.State())

	// the follow flag stays claimed; no second attempt
	conn.writeErr = nil
	require.NoError(t, s.PageReady())
	assert.Empty(t, conn.written())
}

func TestSendBeforeFollowing(t *testing.T) {
	s, _ := newTestSession(t)
	require.ErrorIs(t, s.Send("hello", nil), ErrNotConnected)

	conn := newFakeConn()
	require.NoError(t, s.TransportOpened(conn))
	require.ErrorIs(t, s.Send("hello", nil), ErrNotConnected)
	assert.Empty(t, conn.written())
}

func TestSendWritesHeaderThenPayload(t *testing.T) {
	s, conn, _ := followingSession(t)

	require.NoError(t, s.Send("hello", Labels{"Mood": "fine"}))

	writes := conn.written()
	require.Len(t, writes, 3)
	assert.JSONEq(t, `{"model":"message","action":"insert"}`, writes[1])
	assert.JSONEq(t, `{
		"ThreadId": "`+testThread+`",
		"SenderMailboxId": "`+testMailbox+`",
		"Body": "hello",
		"Labels": {"SenderFacebookName": "Anonymous", "Mood": "fine"},
		"Payload": {}
	}`, writes[2])
}

func TestSendUsesResolvedIdentity(t *testing.T) {
	s, conn, _ := followingSession(t)
	s.IdentityResolved("Ada Lovelace", "10153")

	require.NoError(t, s.Send("hi", Labels{LabelSenderName: "override"}))

	var payload insertPayload
	require.NoError(t, json.Unmarshal([]byte(conn.written()[2]), &payload))
	assert.Equal(t, Labels{LabelSenderName: "override", LabelSenderExternalID: "10153"}, payload.Labels)
	assert.Equal(t, testThread, payload.ThreadID)
	assert.Equal(t, testMailbox, payload.SenderMailboxID)
}

func TestSendAfterClose(t *testing.T) {
	s, conn, _ := followingSession(t)

	s.TransportClosed(nil)
	assert.Equal(t, StateDisconnected, s.State())
	require.ErrorIs(t, s.Send("late", nil), ErrTransportClosed)
	assert.Len(t, conn.written(), 1)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestSendSurfacesTransportErrors(t *testing.T) {
	s, conn, _ := followingSession(t)

	conn.writeErr = errors.New("connection reset")
	require.ErrorIs(t, s.Send("x", nil), ErrTransport)

	conn.writeErr = nil
	_ = conn.Close()
	require.ErrorIs(t, s.Send("x", nil), ErrTransportClosed)
}

func TestHandleFrameBatchIsReversed(t *testing.T) {
	s, _, rec := followingSession(t)

	err := s.HandleFrame([]byte(`[{"Body":"c","Labels":{}},{"Body":"b","Labels":{}},{"Body":"a","Labels":{}}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rec.bodies())
}

func TestHandleFramePush(t *testing.T) {
	s, _, rec := followingSession(t)

	require.NoError(t, s.HandleFrame([]byte(`[{"ModelClass":"message","Payload":{"Body":"hi"}}]`)))
	assert.Equal(t, []string{"hi"}, rec.bodies())
}

func TestHandleFrameMalformed(t *testing.T) {
	s, _, rec := followingSession(t)

	for _, raw := range []string{`[{"Body":`, `not json`, ``, `42`, `[1,2]`, `{"foo":"bar"}`} {
		err := s.HandleFrame([]byte(raw))
		require.ErrorIs(t, err, ErrMalformedFrame, "frame %q", raw)
	}
	assert.Empty(t, rec.bodies())
	assert.Equal(t, StateFollowing, s.State())
}

func TestHandleFrameBackendFailure(t *testing.T) {
	s, _, rec := followingSession(t)

	err := s.HandleFrame([]byte(`{"error":"thread not found"}`))
	require.ErrorIs(t, err, ErrBackend)
	assert.Contains(t, err.Error(), "thread not found")
	assert.Empty(t, rec.bodies())
}

func TestHandleFrameAckRendersNothing(t *testing.T) {
	s, _, rec := followingSession(t)

	err := s.HandleFrame([]byte(`{"Id":"m1","ThreadId":"` + testThread + `","Body":"mine","Labels":{}}`))
	require.NoError(t, err)
	assert.Empty(t, rec.bodies())
}

func TestSendEchoRoundTrip(t *testing.T) {
	s, conn, rec := followingSession(t)
	s.IdentityResolved("Grace", "77")

	require.NoError(t, s.Send("hello", Labels{"Room": "lobby"}))
	payload := conn.written()[2]

	push := `[{"ModelClass":"message","Action":"insert","Payload":` + payload + `}]`
	require.NoError(t, s.HandleFrame([]byte(push)))

	require.Len(t, rec.msgs, 1)
	got := rec.msgs[0]
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, Labels{LabelSenderName: "Grace", LabelSenderExternalID: "77", "Room": "lobby"}, got.Labels)
	assert.Equal(t, testThread, got.ThreadID)
	assert.Equal(t, testMailbox, got.SenderMailboxID)
}

func TestConnectFollowsAndRenders(t *testing.T) {
	conn := newFakeConn()
	var states []State
	var smu sync.Mutex
	dialer := DialerFunc(func(ctx context.Context, endpoint string) (Conn, error) {
		assert.Equal(t, "ws://chat.test/socket/", endpoint)
		return conn, nil
	})
	s, rec := newTestSession(t, WithDialer(dialer), WithStateHandler(func(st State) {
		smu.Lock()
		states = append(states, st)
		smu.Unlock()
	}))

	require.NoError(t, s.PageReady())
	require.NoError(t, s.Connect(context.Background(), "ws://chat.test/socket/"))
	require.ErrorIs(t, s.Connect(context.Background(), "ws://chat.test/socket/"), ErrAlreadyConnected)

	require.Eventually(t, func() bool { return s.State() == StateFollowing }, time.Second, 5*time.Millisecond)
	conn.inbox <- []byte(`[{"Body":"2","Labels":{}},{"Body":"1","Labels":{}}]`)
	conn.inbox <- []byte(`[{"ModelClass":"message","Payload":{"Body":"3","Labels":{}}}]`)
	require.Eventually(t, func() bool { return len(rec.bodies()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, rec.bodies())

	close(conn.inbox)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not observe close")
	}
	assert.Equal(t, StateDisconnected, s.State())

	smu.Lock()
	defer smu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateFollowing, StateDisconnected}, states)
}

func TestConnectReportsDialFailure(t *testing.T) {
	errs := make(chan error, 1)
	dialer := DialerFunc(func(context.Context, string) (Conn, error) {
		return nil, errors.New("connection refused")
	})
	s, _ := newTestSession(t, WithDialer(dialer), WithErrorHandler(func(err error) { errs <- err }))

	require.NoError(t, s.Connect(context.Background(), "ws://chat.test/socket/"))
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrTransport)
	case <-time.After(time.Second):
		t.Fatal("dial failure not reported")
	}
	<-s.Done()
	assert.Equal(t, StateDisconnected, s.State())
	require.ErrorIs(t, s.Connect(context.Background(), "ws://chat.test/socket/"), ErrAlreadyConnected)
}

func TestConnectReportsMalformedFrames(t *testing.T) {
	conn := newFakeConn()
	errs := make(chan error, 4)
	s, rec := newTestSession(t,
		WithDialer(DialerFunc(func(context.Context, string) (Conn, error) { return conn, nil })),
		WithErrorHandler(func(err error) { errs <- err }),
	)
	require.NoError(t, s.Connect(context.Background(), "ws://chat.test/socket/"))

	conn.inbox <- []byte(`{{{`)
	conn.inbox <- []byte(`[{"Body":"ok","Labels":{}}]`)
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrMalformedFrame)
	case <-time.After(time.Second):
		t.Fatal("malformed frame not reported")
	}
	require.Eventually(t, func() bool { return len(rec.bodies()) == 1 }, time.Second, 5*time.Millisecond)
	close(conn.inbox)
}

func TestSessionsAreIndependent(t *testing.T) {
	a, connA, _ := followingSession(t)
	b, _ := newTestSession(t)

	assert.Equal(t, StateFollowing, a.State())
	assert.Equal(t, StateDisconnected, b.State())
	require.ErrorIs(t, b.Send("x", nil), ErrNotConnected)
	assert.Len(t, connA.written(), 1)
}
