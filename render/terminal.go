// Package render turns received chat messages into terminal output.
package render

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gosuda/thread-chat/chat"
)

// Mode selects how much of a message is shown.
type Mode string

const (
	// ModeRich shows time, sender name and body.
	ModeRich Mode = "rich"
	// ModeMinimal shows the body only.
	ModeMinimal Mode = "minimal"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRich, "":
		return ModeRich, nil
	case ModeMinimal:
		return ModeMinimal, nil
	default:
		return "", fmt.Errorf("unknown render mode %q (want rich or minimal)", s)
	}
}

// Terminal writes one line per message to w.
type Terminal struct {
	mu   sync.Mutex
	w    io.Writer
	mode Mode
	// Location is the zone timestamps are shown in; defaults to time.Local.
	Location *time.Location
}

func NewTerminal(w io.Writer, mode Mode) *Terminal {
	return &Terminal{w: w, mode: mode, Location: time.Local}
}

func (t *Terminal) Render(m chat.Message) {
	line := t.Format(m)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = io.WriteString(t.w, line+"\n")
}

// Format returns the line Render would print, without the newline.
func (t *Terminal) Format(m chat.Message) string {
	body := Text(m.Body)
	if t.mode == ModeMinimal {
		return body
	}

	var b strings.Builder
	if !m.CreatedAt.IsZero() {
		loc := t.Location
		if loc == nil {
			loc = time.Local
		}
		b.WriteString("[" + m.CreatedAt.In(loc).Format(time.TimeOnly) + "] ")
	}
	if name := Name(m.Label(chat.LabelSenderName)); name != "" {
		b.WriteString(name + ": ")
	}
	b.WriteString(body)
	return b.String()
}

// Chain renders each message with every renderer in order.
func Chain(renderers ...chat.Renderer) chat.Renderer {
	return chat.RenderFunc(func(m chat.Message) {
		for _, r := range renderers {
			if r != nil {
				r.Render(m)
			}
		}
	})
}
