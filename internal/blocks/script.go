package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/fablekit/fable/internal/contextbuild"
	"github.com/fablekit/fable/internal/store"
)

// DefaultScriptTimeout bounds a single script block evaluation.
const DefaultScriptTimeout = 250 * time.Millisecond

// ScriptContext is the capability object exposed to script blocks as `ctx`.
// Scripts see plain data plus an awaitable getFragment lookup; they have no
// filesystem or network access.
type ScriptContext struct {
	State *contextbuild.ContextState

	// NewProse carries the freshly generated text for post-generation
	// hooks; empty during prompt assembly.
	NewProse string

	// GetFragment loads a fragment by id. A nil fragment yields null in
	// the script.
	GetFragment func(id string) (*store.Fragment, error)
}

// ScriptRunner evaluates user-authored script block bodies. Each evaluation
// runs in a fresh goja VM as an async function body, so `await` is available,
// under a wall-clock interrupt budget.
type ScriptRunner struct {
	timeout time.Duration
}

// NewScriptRunner creates a runner with the given per-evaluation budget.
// A non-positive timeout selects DefaultScriptTimeout.
func NewScriptRunner(timeout time.Duration) *ScriptRunner {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptRunner{timeout: timeout}
}

// Eval runs body as an async function receiving the capability object and
// returns the string it resolves to. Non-string results and thrown errors
// return an error; the engine renders those as in-band error blocks.
func (r *ScriptRunner) Eval(body string, sc *ScriptContext) (string, error) {
	vm := goja.New()

	ctxObj, err := buildCapabilityObject(vm, sc)
	if err != nil {
		return "", err
	}
	if err := vm.Set("ctx", ctxObj); err != nil {
		return "", err
	}

	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt("script timed out")
	})
	defer timer.Stop()

	src := "(async function(ctx) {\n" + body + "\n})(ctx);"
	value, err := vm.RunString(src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return "", errors.New("script timed out")
		}
		return "", errors.New(exceptionMessage(err))
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return "", errors.New("script did not produce a result")
	}

	switch promise.State() {
	case goja.PromiseStateRejected:
		return "", errors.New(rejectionMessage(promise.Result()))
	case goja.PromiseStatePending:
		// Every awaitable we expose settles synchronously; a pending
		// promise means the script awaited something it fabricated.
		return "", errors.New("script did not settle")
	}

	result := promise.Result()
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return "", errors.New("script returned a non-string value")
	}
	str, ok := result.Export().(string)
	if !ok {
		return "", errors.New("script returned a non-string value")
	}
	return str, nil
}

// buildCapabilityObject assembles the `ctx` value visible to scripts. Data is
// passed through a JSON round-trip so scripts see the same camelCase shapes
// as the HTTP API and cannot mutate server state.
func buildCapabilityObject(vm *goja.Runtime, sc *ScriptContext) (*goja.Object, error) {
	obj := vm.NewObject()
	if sc == nil {
		return obj, nil
	}

	if sc.State != nil {
		fields := map[string]any{
			"story":              sc.State.Story,
			"proseFragments":     sc.State.ProseFragments,
			"stickyCharacters":   sc.State.StickyCharacters,
			"stickyGuidelines":   sc.State.StickyGuidelines,
			"stickyKnowledge":    sc.State.StickyKnowledge,
			"characterShortlist": sc.State.CharacterShortlist,
			"guidelineShortlist": sc.State.GuidelineShortlist,
			"knowledgeShortlist": sc.State.KnowledgeShortlist,
			"summary":            sc.State.Summary,
			"authorInput":        sc.State.AuthorInput,
		}
		for name, v := range fields {
			jsValue, err := toJSValue(vm, v)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(name, jsValue); err != nil {
				return nil, err
			}
		}
	}

	if err := obj.Set("newProse", sc.NewProse); err != nil {
		return nil, err
	}

	getFragment := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		if sc.GetFragment == nil {
			return goja.Null()
		}
		frag, err := sc.GetFragment(id)
		if err != nil || frag == nil {
			return goja.Null()
		}
		jsValue, convErr := toJSValue(vm, frag)
		if convErr != nil {
			return goja.Null()
		}
		return jsValue
	}
	if err := obj.Set("getFragment", getFragment); err != nil {
		return nil, err
	}

	return obj, nil
}

// toJSValue converts a Go value to a goja value via JSON, preserving the
// wire field names.
func toJSValue(vm *goja.Runtime, v any) (goja.Value, error) {
	if v == nil {
		return goja.Null(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal script value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode script value: %w", err)
	}
	return vm.ToValue(decoded), nil
}

// exceptionMessage extracts a plain message from a goja evaluation error.
func exceptionMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if obj, ok := exc.Value().(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				return msg.String()
			}
		}
		return exc.Value().String()
	}
	return err.Error()
}

// rejectionMessage extracts a plain message from a rejected promise value,
// preferring Error.message over the default "Error: ..." rendering.
func rejectionMessage(value goja.Value) string {
	if value == nil {
		return "script failed"
	}
	if obj, ok := value.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return value.String()
}
