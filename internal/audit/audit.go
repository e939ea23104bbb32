// Package audit records authorization decisions made while servicing guest
// requests. Entries are kept in memory for programmatic inspection and
// mirrored to structured logs.
package audit

import (
	"log/slog"
	"sync"
	"time"
)

// Decision is the outcome of one authorization check.
type Decision string

const (
	// DecisionGranted means the call was authorized and quota consumed.
	DecisionGranted Decision = "granted"
	// DecisionDenied means the call was rejected before execution.
	DecisionDenied Decision = "denied"
)

// Entry is one recorded authorization decision.
type Entry struct {
	Time      time.Time
	SessionID string
	RequestID string
	TaskID    string
	Method    string
	Decision  Decision
	// Pattern is the capability rule involved, when one matched.
	Pattern string
	// Code is the denial code for denied entries ("no_matching_rule",
	// "constraint_violation", "quota_exceeded"). Handler failures after a
	// grant are not authorization decisions and are not recorded here.
	Code string
	// Reason is a human-readable explanation for denied entries.
	Reason string
}

// Config controls collector behavior.
type Config struct {
	// MaxEntries bounds the in-memory trail; older entries are dropped
	// first. Zero means a default of 1000.
	MaxEntries int
	// LogGrants also logs granted decisions (denials are always logged).
	LogGrants bool
	// Logger receives the mirrored log records. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultMaxEntries bounds the trail when Config.MaxEntries is zero.
const DefaultMaxEntries = 1000

// Collector accumulates audit entries for one session.
type Collector struct {
	cfg Config

	mu      sync.Mutex
	entries []Entry
	dropped int
}

// NewCollector creates a collector with the given configuration.
func NewCollector(cfg Config) *Collector {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Collector{cfg: cfg}
}

// Record appends an entry to the trail and mirrors it to the logger.
func (c *Collector) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	c.mu.Lock()
	c.entries = append(c.entries, e)
	if len(c.entries) > c.cfg.MaxEntries {
		overflow := len(c.entries) - c.cfg.MaxEntries
		c.entries = c.entries[overflow:]
		c.dropped += overflow
	}
	c.mu.Unlock()

	c.log(e)
}

func (c *Collector) log(e Entry) {
	attrs := []any{
		"session_id", e.SessionID,
		"request_id", e.RequestID,
		"task_id", e.TaskID,
		"method", e.Method,
	}
	if e.Pattern != "" {
		attrs = append(attrs, "pattern", e.Pattern)
	}

	switch e.Decision {
	case DecisionDenied:
		attrs = append(attrs, "code", e.Code, "reason", e.Reason)
		c.cfg.Logger.Warn("tool call denied", attrs...)
	case DecisionGranted:
		if c.cfg.LogGrants {
			c.cfg.Logger.Info("tool call granted", attrs...)
		}
	}
}

// Entries returns a copy of the current trail in chronological order.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Dropped returns how many entries were discarded due to the MaxEntries
// bound.
func (c *Collector) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
