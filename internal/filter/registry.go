// Package filter implements the pluggable pipeline evaluated before
// realtime frames mutate or reach a session. Filters are registered once
// at startup and consulted on every inbound message, so the execution
// path reads the registered list without locking.
package filter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/metrics"
	"github.com/chaosdice/server/internal/model"
)

// Scopes consulted by the realtime bus.
const (
	ScopeRoomChannelPreflight = "room_channel_preflight"
	ScopeRoomChannelInbound   = "room_channel_inbound"
	ScopeDirectDelivery       = "realtime_direct_delivery"
)

// OnError policies.
const (
	OnErrorNoop  = "noop"
	OnErrorBlock = "block"
)

// Diagnostic statuses.
const (
	StatusOK       = "ok"
	StatusDisabled = "disabled"
	StatusTimeout  = "timeout"
	StatusError    = "error"
	StatusBlocked  = "blocked"
)

// Context carries one inbound frame through the pipeline. Session and
// Snapshot point at live records and are only ever touched inside the
// session's serialization lane, so filters may mutate conduct state
// directly and read player records without further locking.
type Context struct {
	SessionID      string
	PlayerID       string
	TargetPlayerID string
	Type           string
	Channel        string
	Message        string
	Frame          map[string]any
	Session        *model.Session
	Snapshot       *model.Snapshot
	Now            time.Time
}

// Outcome is a single filter's verdict.
type Outcome struct {
	Allowed      bool
	Code         string
	Reason       string
	StateChanged bool
	Payload      map[string]any
}

// Allow is the zero-friction passing outcome.
func Allow() Outcome { return Outcome{Allowed: true} }

// Block rejects the frame with a code and human-readable reason.
func Block(code, reason string) Outcome {
	return Outcome{Allowed: false, Code: code, Reason: reason}
}

// Policy controls how the registry treats a filter.
type Policy struct {
	Enabled   bool
	TimeoutMs int
	OnError   string
}

// Filter is a named check bound to one scope.
type Filter struct {
	ID     string
	Scope  string
	Run    func(*Context) Outcome
	Policy Policy
}

// Diagnostic records what one filter did during an execution.
type Diagnostic struct {
	FilterID   string `json:"filterId"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result aggregates a pipeline run.
type Result struct {
	Allowed      bool
	BlockedBy    string
	Code         string
	Reason       string
	StateChanged bool
	Diagnostics  []Diagnostic
	Outcome      *Outcome
}

// Registry holds filters in registration order. Registration is
// copy-on-write: Execute loads the published slice atomically and never
// blocks on writers.
type Registry struct {
	mu        sync.Mutex
	published atomic.Value // []Filter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.published.Store([]Filter{})
	return r
}

// Register appends a filter. IDs are unique across scopes.
func (r *Registry) Register(f Filter) error {
	if f.ID == "" || f.Scope == "" || f.Run == nil {
		return fmt.Errorf("filter requires id, scope, and run func")
	}
	if f.Policy.OnError == "" {
		f.Policy.OnError = OnErrorNoop
	}
	if f.Policy.OnError != OnErrorNoop && f.Policy.OnError != OnErrorBlock {
		return fmt.Errorf("filter %s: invalid onError %q", f.ID, f.Policy.OnError)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.published.Load().([]Filter)
	for _, existing := range current {
		if existing.ID == f.ID {
			return fmt.Errorf("filter %s already registered", f.ID)
		}
	}
	next := make([]Filter, len(current), len(current)+1)
	copy(next, current)
	next = append(next, f)
	r.published.Store(next)
	return nil
}

// SetEnabled toggles a filter, reporting whether it exists.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.published.Load().([]Filter)
	next := make([]Filter, len(current))
	copy(next, current)
	for i := range next {
		if next[i].ID == id {
			next[i].Policy.Enabled = enabled
			r.published.Store(next)
			return true
		}
	}
	return false
}

// List returns the registered filters in registration order.
func (r *Registry) List() []Filter {
	current := r.published.Load().([]Filter)
	out := make([]Filter, len(current))
	copy(out, current)
	return out
}

// Execute walks the scope's filters in registration order and aggregates
// their verdicts. The first blocking verdict short-circuits; state changes
// made before the block stand (strikes recorded by a filter that then
// rejects the message are intentional).
func (r *Registry) Execute(scope string, fctx *Context) Result {
	result := Result{Allowed: true}
	filters := r.published.Load().([]Filter)

	for i := range filters {
		f := &filters[i]
		if f.Scope != scope {
			continue
		}
		if !f.Policy.Enabled {
			result.Diagnostics = append(result.Diagnostics, Diagnostic{FilterID: f.ID, Status: StatusDisabled})
			continue
		}

		start := time.Now()
		outcome, runErr := runSafe(f, fctx)
		elapsed := time.Since(start)
		elapsedMs := elapsed.Milliseconds()

		switch {
		case runErr != nil:
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				FilterID: f.ID, Status: StatusError, DurationMs: elapsedMs, Error: runErr.Error(),
			})
			log.Warn().Err(runErr).Str("filter", f.ID).Str("scope", scope).Msg("Filter failed")
			if f.Policy.OnError == OnErrorBlock {
				code := "filter_" + f.ID + "_error"
				metrics.FilterBlocked(code)
				result.Allowed = false
				result.BlockedBy = f.ID
				result.Code = code
				return result
			}

		case f.Policy.TimeoutMs > 0 && elapsed > time.Duration(f.Policy.TimeoutMs)*time.Millisecond:
			result.StateChanged = result.StateChanged || outcome.StateChanged
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				FilterID: f.ID, Status: StatusTimeout, DurationMs: elapsedMs,
			})
			log.Warn().Str("filter", f.ID).Int64("durationMs", elapsedMs).
				Int("timeoutMs", f.Policy.TimeoutMs).Msg("Filter exceeded its time budget")
			if f.Policy.OnError == OnErrorBlock {
				code := "filter_" + f.ID + "_timeout"
				metrics.FilterBlocked(code)
				result.Allowed = false
				result.BlockedBy = f.ID
				result.Code = code
				return result
			}

		case !outcome.Allowed:
			result.StateChanged = result.StateChanged || outcome.StateChanged
			code := outcome.Code
			if code == "" {
				code = "filter_" + f.ID + "_blocked"
			}
			metrics.FilterBlocked(code)
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				FilterID: f.ID, Status: StatusBlocked, DurationMs: elapsedMs, Code: code,
			})
			result.Allowed = false
			result.BlockedBy = f.ID
			result.Code = code
			result.Reason = outcome.Reason
			result.Outcome = &outcome
			return result

		default:
			result.StateChanged = result.StateChanged || outcome.StateChanged
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				FilterID: f.ID, Status: StatusOK, DurationMs: elapsedMs,
			})
			if outcome.Payload != nil {
				result.Outcome = &outcome
			}
		}
	}
	return result
}

func runSafe(f *Filter, fctx *Context) (out Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("filter %s panicked: %v", f.ID, rec)
		}
	}()
	out = f.Run(fctx)
	return out, nil
}
