package errbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/metrics"
	"github.com/arklabs/ark/pkg/types"
)

// Handler receives escalations registered for a severity tier.
type Handler func(esc *types.Escalation)

// Options configures the error bus.
type Options struct {
	// LogPath is the append-only ndjson error log. Empty disables the
	// on-disk log (tests).
	LogPath string
	// HistorySize bounds the in-memory history; default 1000.
	HistorySize int
}

// Bus is the severity-routed error escalation bus. Escalations are kept in
// a bounded in-memory history for queries and appended to an on-disk
// newline-delimited JSON log for the post-mortem trail.
type Bus struct {
	mu       sync.RWMutex
	handlers map[types.Severity][]Handler
	history  []*types.Escalation
	byID     map[string]*types.Escalation
	opts     Options
	logFile  *os.File
}

// New creates the bus, opening the on-disk log if configured.
func New(opts Options) (*Bus, error) {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}

	b := &Bus{
		handlers: make(map[types.Severity][]Handler),
		byID:     make(map[string]*types.Escalation),
		opts:     opts,
	}

	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create error log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open error log: %w", err)
		}
		b.logFile = f
	}
	return b, nil
}

// Close closes the on-disk log.
func (b *Bus) Close() error {
	if b.logFile != nil {
		return b.logFile.Close()
	}
	return nil
}

// Register adds a handler for one severity tier. Handlers run synchronously
// inside Escalate, so they must be fast; slow work belongs on a goroutine.
func (b *Bus) Register(severity types.Severity, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[severity] = append(b.handlers[severity], handler)
}

// Escalate records the error, appends it to the log, and routes it to the
// handlers for its severity. Critical escalations always reach every
// critical handler: a panicking handler is contained and the rest still
// run. Missing id and timestamp are filled in.
func (b *Bus) Escalate(esc *types.Escalation) {
	if esc.ErrorID == "" {
		esc.ErrorID = uuid.NewString()
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now()
	}
	if esc.Severity.Rank() < 0 {
		esc.Severity = types.SeverityError
	}

	metrics.EscalationsTotal.WithLabelValues(string(esc.Severity)).Inc()
	b.record(esc)
	b.append(esc)

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[esc.Severity]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.run(h, esc)
	}
}

func (b *Bus) run(h Handler, esc *types.Escalation) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("errbus").Error().
				Str("error_id", esc.ErrorID).
				Interface("panic", r).
				Msg("escalation handler panicked")
		}
	}()
	h(esc)
}

func (b *Bus) record(esc *types.Escalation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) >= b.opts.HistorySize {
		evicted := b.history[0]
		b.history = b.history[1:]
		delete(b.byID, evicted.ErrorID)
	}
	b.history = append(b.history, esc)
	b.byID[esc.ErrorID] = esc
}

// append writes one ndjson line. Log failures must not mask the original
// error, so they are logged and swallowed.
func (b *Bus) append(esc *types.Escalation) {
	if b.logFile == nil {
		return
	}
	data, err := json.Marshal(esc)
	if err == nil {
		_, err = b.logFile.Write(append(data, '\n'))
	}
	if err != nil {
		log.WithComponent("errbus").Error().Err(err).Msg("failed to append error log")
	}
}

// Resolve marks an escalation resolved. Unknown ids are a no-op returning
// false.
func (b *Bus) Resolve(errorID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	esc, ok := b.byID[errorID]
	if !ok || esc.Resolved {
		return false
	}
	now := time.Now()
	esc.Resolved = true
	esc.ResolvedAt = &now
	return true
}

// ByCorrelation returns escalations for a correlation id, oldest first.
func (b *Bus) ByCorrelation(cid string) []*types.Escalation {
	return b.filter(func(e *types.Escalation) bool { return e.CorrelationID == cid })
}

// ByAgent returns escalations originating from an agent.
func (b *Bus) ByAgent(agent string) []*types.Escalation {
	return b.filter(func(e *types.Escalation) bool { return e.From == agent })
}

// BySeverity returns escalations at exactly the given severity.
func (b *Bus) BySeverity(sev types.Severity) []*types.Escalation {
	return b.filter(func(e *types.Escalation) bool { return e.Severity == sev })
}

// Unresolved returns every escalation not yet resolved.
func (b *Bus) Unresolved() []*types.Escalation {
	return b.filter(func(e *types.Escalation) bool { return !e.Resolved })
}

func (b *Bus) filter(keep func(*types.Escalation) bool) []*types.Escalation {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*types.Escalation
	for _, esc := range b.history {
		if keep(esc) {
			out = append(out, esc)
		}
	}
	return out
}
