package server

import (
	"bytes"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ConsoleMessage represents a console message with timestamp
type ConsoleMessage struct {
	Seq       int       `json:"seq"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Console keeps the most recent log lines for /api/console. It is an
// io.Writer so it can sit behind a logger next to stderr.
type Console struct {
	mu      sync.Mutex
	lines   []ConsoleMessage
	limit   int
	nextSeq int
	partial []byte
}

// NewConsole keeps up to limit lines; 0 means 500
func NewConsole(limit int) *Console {
	if limit <= 0 {
		limit = 500
	}
	return &Console{limit: limit}
}

// Write splits p into lines; an unterminated tail waits for the next write
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		c.add(string(c.partial[:i]))
		c.partial = c.partial[i+1:]
	}
	if len(c.partial) == 0 {
		c.partial = nil
	}
	return len(p), nil
}

func (c *Console) add(line string) {
	c.lines = append(c.lines, ConsoleMessage{Seq: c.nextSeq, Message: line, Timestamp: time.Now()})
	c.nextSeq++
	if n := len(c.lines); n > c.limit {
		c.lines = append(c.lines[:0], c.lines[n-c.limit:]...)
	}
}

// Since returns the kept messages with Seq >= seq
func (c *Console) Since(seq int) []ConsoleMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []ConsoleMessage{}
	for _, m := range c.lines {
		if m.Seq >= seq {
			out = append(out, m)
		}
	}
	return out
}

// handleConsole serves log lines, optionally only those after ?since=seq
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, s.console.Since(since))
}
