// Package history caches received chat messages per thread in PebbleDB so a
// client can show the conversation before its connection opens.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/thread-chat/chat"
)

// Store persists messages under keys
//
//	threadID 0x00 | createdAt unix nanos (8, big-endian) | index (8, big-endian) | message id
//
// so one thread is a contiguous, time-ordered key range and re-delivered
// messages overwrite themselves.
type Store struct {
	db     *pebble.DB
	anonID atomic.Uint64
}

// Open opens (or creates) a store in dir. An empty dir yields a nil store,
// on which every method is a no-op.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Append(m chat.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	if m.ThreadID == "" {
		return fmt.Errorf("history: message %q has no thread id", m.ID)
	}
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set(s.key(m), val, pebble.Sync)
}

// Recent returns up to limit of the newest messages of a thread, oldest
// first. limit <= 0 returns the whole thread.
func (s *Store) Recent(threadID string, limit int) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	lower, upper := threadBounds(threadID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]chat.Message, 0, max(limit, 0))
	for it.Last(); it.Valid(); it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m chat.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			log.Debug().Err(err).Msg("[history] skip undecodable entry")
			continue
		}
		out = append(out, m)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Recorder returns a renderer that stores each message before passing it to
// next. Storage failures are logged and never block rendering.
func (s *Store) Recorder(next chat.Renderer) chat.Renderer {
	return chat.RenderFunc(func(m chat.Message) {
		if err := s.Append(m); err != nil {
			log.Warn().Err(err).Str("message", m.ID).Msg("[history] persist message")
		}
		if next != nil {
			next.Render(m)
		}
	})
}

// Replay renders up to limit cached messages of threadID through next and
// returns the renderer a session should use afterwards: it records like
// Recorder but skips replayed messages when the backend delivers them again.
func (s *Store) Replay(threadID string, limit int, next chat.Renderer) (chat.Renderer, int, error) {
	msgs, err := s.Recent(threadID, limit)
	if err != nil {
		return s.Recorder(next), 0, err
	}
	replayed := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			replayed[m.ID] = struct{}{}
		}
		if next != nil {
			next.Render(m)
		}
	}
	if len(replayed) == 0 {
		return s.Recorder(next), len(msgs), nil
	}

	var mu sync.Mutex
	rec := s.Recorder(next)
	return chat.RenderFunc(func(m chat.Message) {
		mu.Lock()
		_, seen := replayed[m.ID]
		if seen {
			delete(replayed, m.ID)
		}
		mu.Unlock()
		if seen {
			return
		}
		rec.Render(m)
	}), len(msgs), nil
}

func (s *Store) key(m chat.Message) []byte {
	id := m.ID
	if id == "" {
		id = fmt.Sprintf("~anon-%d", s.anonID.Add(1))
	}
	key := make([]byte, 0, len(m.ThreadID)+1+16+len(id))
	key = append(key, m.ThreadID...)
	key = append(key, 0)
	// pre-epoch times clamp to 0 so they still sort before newer messages
	var ts uint64
	if nanos := m.CreatedAt.UnixNano(); !m.CreatedAt.IsZero() && nanos > 0 {
		ts = uint64(nanos)
	}
	key = binary.BigEndian.AppendUint64(key, ts)
	key = binary.BigEndian.AppendUint64(key, uint64(m.Index))
	return append(key, id...)
}

func threadBounds(threadID string) (lower, upper []byte) {
	lower = append([]byte(threadID), 0)
	upper = append([]byte(threadID), 1)
	return lower, upper
}
