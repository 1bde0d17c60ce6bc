// Package resolver implements the conflict-resolver binding pipeline:
// priority-ordered bindings with glob keyPattern matching, deny-list
// validation and sandboxed execution of user-supplied merge policies, and
// MergeRejection events.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action is what a binding decided for one conflicting write.
type Action int

const (
	ActionLocal Action = iota
	ActionAccept
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	default:
		return "local"
	}
}

// Decision is what a binding returns for one conflict.
type Decision struct {
	Action Action
	Value  any
	Reason string
}

// Args is what a binding receives: the conflicting local and remote
// values for one key.
type Args struct {
	MapName     string
	Key         string
	LocalValue  any
	RemoteValue any
	RemoteNode  string
}

// Executor runs one binding's code against args. This package only
// validates, rate-limits, and time-boxes the call; isolation is the
// Executor implementation's concern.
type Executor interface {
	Execute(ctx context.Context, code string, args Args) (Decision, error)
}

// Binding is one registered conflict-resolution policy. Priority sorts
// descending; ties break by insertion order.
type Binding struct {
	MapName    string
	Name       string
	Priority   int32
	KeyPattern string // glob with * and ?; empty matches every key
	Code       string
	ClientID   string

	seq int // insertion order, set by Registry.Register
}

// matches reports whether key satisfies b's KeyPattern.
func (b Binding) matches(key string) bool {
	if b.KeyPattern == "" {
		return true
	}
	ok, err := path.Match(b.KeyPattern, key)
	return err == nil && ok
}

// deniedIdentifiers are substrings that disqualify a binding's code from
// registration.
var deniedIdentifiers = []string{
	"eval", "Function", "require", "import", "process", "global",
	"fetch", "XMLHttpRequest", "setTimeout", "setInterval", "setImmediate",
}

// MaxCodeSize and MaxArgsSize are the size limits for bindings, which
// always use them; entry processors use them as defaults that
// config.ProcessorConfig can override.
const (
	MaxCodeSize = 10 * 1024
	MaxArgsSize = 1024 * 1024
)

// DefaultMaxResolversPerMap bounds how many bindings one map may carry.
const DefaultMaxResolversPerMap = 32

// ValidationError explains why a binding was refused registration.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("resolver: %s", e.Reason) }

// validateCode applies the deny-list and size checks before a binding is
// ever registered.
func validateCode(code string) error {
	if len(code) > MaxCodeSize {
		return &ValidationError{Reason: fmt.Sprintf("code size %d exceeds limit %d", len(code), MaxCodeSize)}
	}
	for _, denied := range deniedIdentifiers {
		if strings.Contains(code, denied) {
			return &ValidationError{Reason: fmt.Sprintf("code references denied identifier %q", denied)}
		}
	}
	return nil
}

// MergeRejection is emitted when a binding rejects a write.
type MergeRejection struct {
	MapName        string
	Key            string
	AttemptedValue any
	RemoteNodeID   string
	Reason         string
	At             time.Time
}

// Registry holds the bindings for every map and evaluates the pipeline
// for each conflicting write. Safe for concurrent use.
type Registry struct {
	executor          Executor
	maxPerMap         int
	maxExecsPerSecond float64

	mu       sync.Mutex
	bindings map[string][]Binding // mapName -> bindings
	nextSeq  int
	limiters map[string]*rate.Limiter // clientID -> limiter

	rejections chan MergeRejection
}

// New creates a Registry. executor runs validated binding code; maxPerMap
// and maxExecsPerSecond fall back to their defaults when <= 0.
func New(executor Executor, maxPerMap int, maxExecsPerSecond float64, rejectionBuf int) *Registry {
	if maxPerMap <= 0 {
		maxPerMap = DefaultMaxResolversPerMap
	}
	if maxExecsPerSecond <= 0 {
		maxExecsPerSecond = 100
	}
	return &Registry{
		executor:          executor,
		maxPerMap:         maxPerMap,
		maxExecsPerSecond: maxExecsPerSecond,
		bindings:          make(map[string][]Binding),
		limiters:          make(map[string]*rate.Limiter),
		rejections:        make(chan MergeRejection, rejectionBuf),
	}
}

// Rejections streams MergeRejection events as bindings reject writes.
func (r *Registry) Rejections() <-chan MergeRejection { return r.rejections }

// Register validates and adds b to its map's binding list. Returns an
// error if b's code fails deny-list/size validation or the map is already
// at maxResolversPerMap capacity.
func (r *Registry) Register(b Binding) error {
	if b.Code != "" {
		if err := validateCode(b.Code); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.bindings[b.MapName]
	if len(existing) >= r.maxPerMap {
		return &ValidationError{Reason: fmt.Sprintf("map %q already has %d bindings, limit is %d", b.MapName, len(existing), r.maxPerMap)}
	}

	b.seq = r.nextSeq
	r.nextSeq++
	r.bindings[b.MapName] = append(existing, b)
	return nil
}

// Unregister removes the binding named name from mapName, if present.
func (r *Registry) Unregister(mapName, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.bindings[mapName]
	for i, b := range existing {
		if b.Name == name {
			r.bindings[mapName] = append(existing[:i], existing[i+1:]...)
			return
		}
	}
}

// sortedBindings returns mapName's bindings matching key, sorted by
// priority desc, insertion order asc for ties.
func (r *Registry) sortedBindings(mapName, key string) []Binding {
	r.mu.Lock()
	all := append([]Binding(nil), r.bindings[mapName]...)
	r.mu.Unlock()

	matched := make([]Binding, 0, len(all))
	for _, b := range all {
		if b.matches(key) {
			matched = append(matched, b)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

func (r *Registry) limiterFor(clientID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.maxExecsPerSecond), int(r.maxExecsPerSecond))
		r.limiters[clientID] = l
	}
	return l
}

// Resolve runs mapName's bindings matching key in priority order. The
// first non-`local` decision wins; if every binding returns `local` (or
// none match), Resolve reports no decision so the caller falls back to
// the built-in LWW policy.
func (r *Registry) Resolve(ctx context.Context, args Args, execTimeout time.Duration) (Decision, bool, error) {
	bindings := r.sortedBindings(args.MapName, args.Key)

	for _, b := range bindings {
		if b.ClientID != "" {
			if !r.limiterFor(b.ClientID).Allow() {
				slog.Warn("resolver: binding execution rate-limited", "map", args.MapName, "binding", b.Name, "client", b.ClientID)
				continue
			}
		}

		decision, err := r.invoke(ctx, b, args, execTimeout)
		if err != nil {
			slog.Warn("resolver: binding execution failed, continuing pipeline", "map", args.MapName, "binding", b.Name, "error", err)
			continue
		}

		switch decision.Action {
		case ActionAccept:
			return decision, true, nil
		case ActionReject:
			rej := MergeRejection{
				MapName:        args.MapName,
				Key:            args.Key,
				AttemptedValue: args.RemoteValue,
				RemoteNodeID:   args.RemoteNode,
				Reason:         decision.Reason,
				At:             time.Now(),
			}
			select {
			case r.rejections <- rej:
			default:
				slog.Warn("resolver: rejection event dropped, channel full", "map", args.MapName, "key", args.Key)
			}
			return decision, true, nil
		default: // local: fall through to the next binding
		}
	}

	return Decision{}, false, nil
}

func (r *Registry) invoke(ctx context.Context, b Binding, args Args, timeout time.Duration) (Decision, error) {
	if r.executor == nil {
		return Decision{}, fmt.Errorf("resolver: no executor configured for binding %q", b.Name)
	}
	if encoded, err := json.Marshal(args); err == nil && len(encoded) > MaxArgsSize {
		return Decision{}, &ValidationError{Reason: fmt.Sprintf("args size %d exceeds limit %d", len(encoded), MaxArgsSize)}
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.executor.Execute(execCtx, b.Code, args)
}
