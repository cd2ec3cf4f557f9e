package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gosuda/thread-chat/chat"
)

type stubSession struct {
	mu        sync.Mutex
	ready     int
	sent      []string
	sendErr   func(n int) error
	readyErr  error
	readyTime []int
}

func (s *stubSession) PageReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready++
	s.readyTime = append(s.readyTime, len(s.sent))
	return s.readyErr
}

func (s *stubSession) Send(body string, _ chat.Labels) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		if err := s.sendErr(len(s.sent)); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, body)
	return nil
}

func TestInputLoopSendsNonEmptyLines(t *testing.T) {
	s := &stubSession{}
	l := &inputLoop{session: s, limiter: rate.NewLimiter(rate.Inf, 1)}

	err := l.run(context.Background(), strings.NewReader("hello\n\n   \n  world  \n"))
	require.NoError(t, err)

	assert.Equal(t, 1, s.ready)
	assert.Equal(t, []int{0}, s.readyTime, "page ready fires before any send")
	assert.Equal(t, []string{"hello", "world"}, s.sent)
}

func TestInputLoopPageReadyError(t *testing.T) {
	s := &stubSession{readyErr: chat.ErrTransport}
	l := &inputLoop{session: s}

	err := l.run(context.Background(), strings.NewReader("hello\n"))
	require.ErrorIs(t, err, chat.ErrTransport)
	assert.Empty(t, s.sent)
}

func TestInputLoopDropsWhileNotFollowing(t *testing.T) {
	s := &stubSession{}
	first := true
	s.sendErr = func(int) error {
		if first {
			first = false
			return chat.ErrNotConnected
		}
		return nil
	}
	l := &inputLoop{session: s}

	require.NoError(t, l.run(context.Background(), strings.NewReader("early\nlate\n")))
	assert.Equal(t, []string{"late"}, s.sent)
}

func TestInputLoopStopsOnClosedTransport(t *testing.T) {
	s := &stubSession{sendErr: func(n int) error {
		if n == 1 {
			return chat.ErrTransportClosed
		}
		return nil
	}}
	l := &inputLoop{session: s}

	err := l.run(context.Background(), strings.NewReader("one\ntwo\nthree\n"))
	require.ErrorIs(t, err, chat.ErrTransportClosed)
	assert.Equal(t, []string{"one"}, s.sent)
}

func TestInputLoopCancelledWhilePacing(t *testing.T) {
	s := &stubSession{}
	lim := rate.NewLimiter(rate.Every(1<<62), 1)
	l := &inputLoop{session: s, limiter: lim}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.run(ctx, strings.NewReader("one\ntwo\n")))
	assert.Empty(t, s.sent)
}

func TestInputLoopWaitsForFollow(t *testing.T) {
	following := make(chan struct{})
	s := &stubSession{sendErr: func(int) error {
		select {
		case <-following:
			return nil
		default:
			return chat.ErrNotConnected
		}
	}}
	l := &inputLoop{session: s, following: following, closed: make(chan struct{})}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(following)
	}()

	require.NoError(t, l.run(context.Background(), strings.NewReader("hi\n")))
	assert.Equal(t, []string{"hi"}, s.sent)
	assert.Equal(t, 1, s.ready)
}

func TestInputLoopClosedBeforeFollow(t *testing.T) {
	s := &stubSession{}
	closed := make(chan struct{})
	close(closed)
	l := &inputLoop{session: s, following: make(chan struct{}), closed: closed}

	err := l.run(context.Background(), strings.NewReader("hi\n"))
	require.ErrorIs(t, err, chat.ErrTransportClosed)
	assert.Empty(t, s.sent)
}
