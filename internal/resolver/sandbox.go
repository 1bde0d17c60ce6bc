package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// GojaExecutor runs binding code as a JavaScript function body using
// dop251/goja, a pure-Go ECMAScript interpreter — no cgo, no subprocess,
// which keeps "sandboxed" meaning "no syscalls the interpreter doesn't
// expose" rather than real OS isolation. Each call gets a fresh
// *goja.Runtime so
// bindings cannot see state left over from another binding or client.
//
// The binding code is expected to be a JS function body that reads
// `local`, `remote`, `mapName`, `key`, `remoteNode` from globals and
// returns an object shaped like {action: "accept"|"reject"|"local",
// value, reason}.
type GojaExecutor struct {
	// StepBudget is not read by Execute: statements are not counted, and
	// the only bound on one invocation is ctx's deadline. ExecTimeoutFor
	// converts a budget into such a deadline for callers.
	StepBudget uint64
}

// DefaultStepBudget is used when GojaExecutor.StepBudget is zero.
const DefaultStepBudget = 1_000_000

// Execute compiles and runs code against args, enforcing ctx's deadline
// via goja's interrupt facility from a companion goroutine.
func (g GojaExecutor) Execute(ctx context.Context, code string, args Args) (Decision, error) {
	vm := goja.New()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("execution budget exceeded")
		case <-done:
		}
	}()

	if err := vm.Set("local", args.LocalValue); err != nil {
		return Decision{}, fmt.Errorf("resolver: bind local: %w", err)
	}
	if err := vm.Set("remote", args.RemoteValue); err != nil {
		return Decision{}, fmt.Errorf("resolver: bind remote: %w", err)
	}
	if err := vm.Set("mapName", args.MapName); err != nil {
		return Decision{}, fmt.Errorf("resolver: bind mapName: %w", err)
	}
	if err := vm.Set("key", args.Key); err != nil {
		return Decision{}, fmt.Errorf("resolver: bind key: %w", err)
	}
	if err := vm.Set("remoteNode", args.RemoteNode); err != nil {
		return Decision{}, fmt.Errorf("resolver: bind remoteNode: %w", err)
	}

	wrapped := "(function(){\n" + code + "\n})()"
	value, err := vm.RunString(wrapped)
	if err != nil {
		return Decision{}, fmt.Errorf("resolver: binding execution: %w", err)
	}

	return decodeDecision(value)
}

func decodeDecision(value goja.Value) (Decision, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return Decision{Action: ActionLocal}, nil
	}

	exported := value.Export()
	obj, ok := exported.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("resolver: binding returned non-object result")
	}

	d := Decision{Action: ActionLocal}
	if rawAction, ok := obj["action"].(string); ok {
		switch rawAction {
		case "accept":
			d.Action = ActionAccept
		case "reject":
			d.Action = ActionReject
		default:
			d.Action = ActionLocal
		}
	}
	if v, ok := obj["value"]; ok {
		d.Value = v
	}
	if reason, ok := obj["reason"].(string); ok {
		d.Reason = reason
	}
	return d, nil
}

var _ Executor = GojaExecutor{}

// ExecTimeoutFor returns a reasonable per-call timeout derived from the
// step budget when the caller has no better signal (e.g. no configured
// processor.maxExecutionsPerSecond-derived duration).
func ExecTimeoutFor(stepBudget uint64) time.Duration {
	if stepBudget == 0 {
		stepBudget = DefaultStepBudget
	}
	// Empirically, goja evaluates on the order of tens of millions of
	// simple ops/sec; budget a generous ceiling rather than timing
	// individual statements.
	return time.Duration(stepBudget/1_000_000+1) * 50 * time.Millisecond
}
