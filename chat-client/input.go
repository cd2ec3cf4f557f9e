package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/thread-chat/chat"
)

// chatSession is the part of *chat.Session the input loop drives.
type chatSession interface {
	PageReady() error
	Send(body string, labels chat.Labels) error
}

// inputLoop turns input lines into sent messages.
type inputLoop struct {
	session chatSession
	limiter *rate.Limiter
	// following is closed once the thread is followed; nil skips the wait.
	following <-chan struct{}
	// closed is closed when the transport goes away.
	closed <-chan struct{}
}

// run signals page readiness, waits for the follow, then sends each
// non-empty line of r until r is exhausted, ctx ends, or the transport closes.
func (l *inputLoop) run(ctx context.Context, r io.Reader) error {
	if err := l.session.PageReady(); err != nil {
		return fmt.Errorf("page ready: %w", err)
	}
	if l.following != nil {
		select {
		case <-l.following:
		case <-l.closed:
			return fmt.Errorf("%w before the thread was followed", chat.ErrTransportClosed)
		case <-ctx.Done():
			return nil
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		body := strings.TrimSpace(sc.Text())
		if body == "" {
			continue
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		err := l.session.Send(body, nil)
		switch {
		case err == nil:
		case errors.Is(err, chat.ErrNotConnected):
			log.Warn().Err(err).Msg("[chat] not following yet; message dropped")
		case errors.Is(err, chat.ErrTransportClosed):
			return err
		default:
			log.Warn().Err(err).Msg("[chat] send failed")
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}
