// Package chattest provides an in-process chat backend that speaks the same
// websocket protocol as a hearst server, for tests.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/thread-chat/chat"
)

const (
	defaultListLimit = 50
	sendBufferSize   = 64
	writeWait        = 5 * time.Second
)

// Request is one request header received by the backend, with every value
// flattened to a string.
type Request map[string]string

// Backend keeps threads in memory and fans new messages out to followers.
type Backend struct {
	mu        sync.Mutex
	threads   map[string][]chat.Message
	followers map[string]map[*peer]struct{}
	peers     map[*peer]struct{}
	requests  []Request
	seq       int64
	wg        sync.WaitGroup

	router   chi.Router
	upgrader websocket.Upgrader
	// Now stamps inserted messages; defaults to time.Now.
	Now func() time.Time
}

func NewBackend() *Backend {
	b := &Backend{
		threads:   map[string][]chat.Message{},
		followers: map[string]map[*peer]struct{}{},
		peers:     map[*peer]struct{}{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		Now: time.Now,
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/socket/", b.handleWS)
	b.router = r
	return b
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// CreateThread registers a thread with its existing history, oldest first.
func (b *Backend) CreateThread(id string, history ...chat.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]chat.Message, 0, len(history))
	for _, m := range history {
		b.seq++
		m.ThreadID = id
		m.Index = b.seq
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Labels == nil {
			m.Labels = chat.Labels{}
		}
		msgs = append(msgs, m)
	}
	b.threads[id] = msgs
}

// Messages returns the stored messages of a thread, oldest first.
func (b *Backend) Messages(threadID string) []chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.threads[threadID])
}

// Requests returns every request header received so far.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.requests)
}

// Followers reports how many connections follow threadID.
func (b *Backend) Followers(threadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.followers[threadID])
}

// Close drops every open connection and waits for their goroutines.
func (b *Backend) Close() {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		p.close()
	}
	b.wg.Wait()
}

// Serve starts b on an httptest server and returns the websocket endpoint.
func Serve(tb testing.TB, b *Backend) string {
	tb.Helper()
	srv := httptest.NewServer(b)
	tb.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket/"
}

type peer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan any
	closed bool
}

func (p *peer) push(v any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- v:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
	_ = p.conn.Close()
}

func (p *peer) writeLoop() {
	for v := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteJSON(v); err != nil {
			log.Debug().Err(err).Msg("[chattest] write json")
			return
		}
	}
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("[chattest] upgrade websocket")
		return
	}
	p := &peer{conn: conn, send: make(chan any, sendBufferSize)}

	b.mu.Lock()
	b.peers[p] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		p.writeLoop()
	}()
	defer func() {
		b.mu.Lock()
		delete(b.peers, p)
		for _, set := range b.followers {
			delete(set, p)
		}
		b.mu.Unlock()
		p.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := parseRequest(data)
		if err != nil {
			p.push(errorReply("invalid request"))
			continue
		}
		b.mu.Lock()
		b.requests = append(b.requests, req)
		b.mu.Unlock()

		switch {
		case req["model"] == chat.ModelThread && req["action"] == chat.ActionList:
			b.listThread(p, req)
		case req["model"] == chat.ModelMessage && req["action"] == chat.ActionInsert:
			_, body, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.insertMessage(p, body)
		default:
			p.push(errorReply("unknown request"))
		}
	}
}

func (b *Backend) listThread(p *peer, req Request) {
	threadID := req["thread_id"]
	if threadID == "" {
		p.push(errorReply("thread id required"))
		return
	}
	limit, err := strconv.Atoi(req["limit"])
	if err != nil || limit <= 0 {
		limit = defaultListLimit
	}

	b.mu.Lock()
	msgs, ok := b.threads[threadID]
	if !ok {
		b.mu.Unlock()
		p.push(errorReply("thread not found"))
		return
	}
	recent := slices.Clone(msgs[max(0, len(msgs)-limit):])
	if req["follow"] == "true" {
		set := b.followers[threadID]
		if set == nil {
			set = map[*peer]struct{}{}
			b.followers[threadID] = set
		}
		set[p] = struct{}{}
	}
	b.mu.Unlock()

	// listings go out newest first
	slices.Reverse(recent)
	p.push(recent)
}

func (b *Backend) insertMessage(p *peer, body []byte) {
	var m chat.Message
	if err := json.Unmarshal(body, &m); err != nil {
		p.push(errorReply("invalid message"))
		return
	}

	b.mu.Lock()
	if _, ok := b.threads[m.ThreadID]; !ok {
		b.mu.Unlock()
		p.push(errorReply("thread not found"))
		return
	}
	b.seq++
	m.ID = uuid.NewString()
	m.Index = b.seq
	m.CreatedAt = chat.Timestamp{Time: b.Now().UTC()}
	if m.Labels == nil {
		m.Labels = chat.Labels{}
	}
	b.threads[m.ThreadID] = append(b.threads[m.ThreadID], m)
	followers := make([]*peer, 0, len(b.followers[m.ThreadID]))
	for f := range b.followers[m.ThreadID] {
		followers = append(followers, f)
	}
	b.mu.Unlock()

	p.push(m)
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	ev := []chat.Event{{ModelClass: chat.ModelMessage, Action: chat.ActionInsert, ObjectID: m.ID, Payload: payload}}
	for _, f := range followers {
		if !f.push(ev) {
			log.Warn().Str("message", m.ID).Msg("[chattest] follower queue full")
		}
	}
}

func parseRequest(data []byte) (Request, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	req := make(Request, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			req[k] = t
		case nil:
			req[k] = ""
		default:
			req[k] = fmt.Sprint(t)
		}
	}
	return req, nil
}

func errorReply(msg string) map[string]string {
	return map[string]string{"error": msg}
}
