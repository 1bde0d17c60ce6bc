package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"golang.org/x/time/rate"
)

// ProcessorLimits bounds entry-processor execution; zero values take the
// shared sandbox defaults.
type ProcessorLimits struct {
	MaxExecutionsPerSecond float64
	MaxCodeSize            int
	MaxArgsSize            int
	StepBudget             uint64
}

func (l ProcessorLimits) withDefaults() ProcessorLimits {
	if l.MaxExecutionsPerSecond <= 0 {
		l.MaxExecutionsPerSecond = 100
	}
	if l.MaxCodeSize <= 0 {
		l.MaxCodeSize = MaxCodeSize
	}
	if l.MaxArgsSize <= 0 {
		l.MaxArgsSize = MaxArgsSize
	}
	if l.StepBudget == 0 {
		l.StepBudget = DefaultStepBudget
	}
	return l
}

// ProcessorOutcome is what one entry-processor execution produced. Remove
// reports that the code returned no value for the entry, which deletes it.
type ProcessorOutcome struct {
	Value  any
	Remove bool
	Result any
}

// ErrRateLimited is returned by Processor.Execute once a client exceeds
// its per-second execution budget.
var ErrRateLimited = fmt.Errorf("resolver: processor execution rate-limited")

// Processor executes user-supplied entry-processor code in the same
// sandbox as resolver bindings: the code sees `value`, `key`, and `args`
// globals and returns an object shaped like {value, result}. A returned
// object without a value removes the entry; the caller applies the
// outcome atomically to the owning map.
type Processor struct {
	limits ProcessorLimits

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewProcessor creates a Processor with the given limits.
func NewProcessor(limits ProcessorLimits) *Processor {
	return &Processor{
		limits:   limits.withDefaults(),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *Processor) limiterFor(clientID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.limits.MaxExecutionsPerSecond), int(p.limits.MaxExecutionsPerSecond))
		p.limiters[clientID] = l
	}
	return l
}

// Execute validates, rate-limits, and runs code against (value, key, args).
func (p *Processor) Execute(ctx context.Context, clientID, code string, value any, key string, args any) (ProcessorOutcome, error) {
	if len(code) > p.limits.MaxCodeSize {
		return ProcessorOutcome{}, &ValidationError{Reason: fmt.Sprintf("processor code size %d exceeds limit %d", len(code), p.limits.MaxCodeSize)}
	}
	if err := validateCode(code); err != nil {
		return ProcessorOutcome{}, err
	}
	if args != nil {
		if encoded, err := json.Marshal(args); err == nil && len(encoded) > p.limits.MaxArgsSize {
			return ProcessorOutcome{}, &ValidationError{Reason: fmt.Sprintf("processor args size %d exceeds limit %d", len(encoded), p.limits.MaxArgsSize)}
		}
	}
	if clientID != "" && !p.limiterFor(clientID).Allow() {
		return ProcessorOutcome{}, ErrRateLimited
	}

	execCtx, cancel := context.WithTimeout(ctx, ExecTimeoutFor(p.limits.StepBudget))
	defer cancel()

	vm := goja.New()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-execCtx.Done():
			vm.Interrupt("execution budget exceeded")
		case <-done:
		}
	}()

	if err := vm.Set("value", value); err != nil {
		return ProcessorOutcome{}, fmt.Errorf("resolver: bind value: %w", err)
	}
	if err := vm.Set("key", key); err != nil {
		return ProcessorOutcome{}, fmt.Errorf("resolver: bind key: %w", err)
	}
	if err := vm.Set("args", args); err != nil {
		return ProcessorOutcome{}, fmt.Errorf("resolver: bind args: %w", err)
	}

	result, err := vm.RunString("(function(){\n" + code + "\n})()")
	if err != nil {
		return ProcessorOutcome{}, fmt.Errorf("resolver: processor execution: %w", err)
	}
	return decodeOutcome(result)
}

func decodeOutcome(value goja.Value) (ProcessorOutcome, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return ProcessorOutcome{Remove: true}, nil
	}
	obj, ok := value.Export().(map[string]any)
	if !ok {
		return ProcessorOutcome{}, fmt.Errorf("resolver: processor returned non-object result")
	}

	out := ProcessorOutcome{}
	if v, present := obj["value"]; present && v != nil {
		out.Value = v
	} else {
		out.Remove = true
	}
	out.Result = obj["result"]
	return out, nil
}
