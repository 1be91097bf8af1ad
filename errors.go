package agentworld

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Lookup misses. Callers distinguish these from storage failures.
var (
	ErrWorldNotFound = errors.New("world not found")
	ErrAgentNotFound = errors.New("agent not found")
	ErrChatNotFound  = errors.New("chat not found")
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries a non-2xx provider response. RetryAfter is populated from
// the Retry-After header when the provider sent one; retry middleware honors
// it over computed backoff.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, either delay seconds
// or an HTTP date. Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrInvalidMemory reports memory entries that fail validation on save.
// Count names the number of offending entries.
type ErrInvalidMemory struct {
	AgentID string
	Count   int
}

func (e *ErrInvalidMemory) Error() string {
	return fmt.Sprintf("agent %s: %d memory message(s) missing messageId", e.AgentID, e.Count)
}
