package clippy

import (
	"context"
	"fmt"
	"sync"

	"github.com/machinefabric/clippy-go/channel"
	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/mux"
	"github.com/machinefabric/clippy-go/selector"
	"github.com/machinefabric/clippy-go/snapshot"
	"github.com/machinefabric/clippy-go/wire"
)

// Instance is the controller-side half of one backend object: the opaque
// state blob sent with every call and the selectors the class exposes.
// Calls on one instance are serialized; state and selector changes of a
// call become visible to readers together.
type Instance struct {
	class  *Class
	callMu sync.Mutex

	// state is guarded by the selector forest's lock
	state     any
	selectors *selector.Forest
}

// Class returns the instance's class
func (inst *Instance) Class() *Class {
	return inst.class
}

// State returns the current state blob
func (inst *Instance) State() any {
	var state any
	inst.selectors.View(func() { state = inst.state })
	return state
}

// Selector resolves a dotted selector path such as "nodes.a.b"
func (inst *Instance) Selector(path string) (*selector.Node, bool) {
	return inst.selectors.Lookup(path)
}

// Selectors returns the sorted top-level selector names
func (inst *Instance) Selectors() []string {
	return inst.selectors.Names()
}

// Call runs the named method
func (inst *Instance) Call(ctx context.Context, name string, args Args) (*Result, error) {
	m, ok := inst.class.Method(name)
	if !ok {
		return nil, clippyerr.Typef("%s has no method %s", inst.class.desc.Name, name)
	}
	return m.Call(ctx, inst, args)
}

// Validate dry-runs the named method
func (inst *Instance) Validate(ctx context.Context, name string, args Args) (bool, string, error) {
	m, ok := inst.class.Method(name)
	if !ok {
		return false, "", clippyerr.Typef("%s has no method %s", inst.class.desc.Name, name)
	}
	return m.Validate(ctx, inst, args)
}

// Help asks the backend to describe the named method
func (inst *Instance) Help(ctx context.Context, name string, args Args) (map[string]any, error) {
	m, ok := inst.class.Method(name)
	if !ok {
		return nil, clippyerr.Typef("%s has no method %s", inst.class.desc.Name, name)
	}
	return m.Help(ctx, inst, args)
}

// Snapshot encodes the class name, state and selectors
func (inst *Instance) Snapshot() ([]byte, error) {
	var state any
	trees := inst.selectors.Capture(func() { state = inst.state })
	return snapshot.Marshal(snapshot.Snapshot{
		Class:     inst.class.desc.Name,
		State:     state,
		Selectors: trees,
	})
}

// apply folds a reply into the instance: by-reference arguments, output,
// state, selectors and finally the return value. Every check runs before
// anything is changed.
func (inst *Instance) apply(args Args, reply *channel.Reply) (*Result, error) {
	payload := reply.Payload
	res := &Result{Instance: inst, Value: payload[ReturnKey], Payload: payload}

	refs, err := referenceUpdates(payload)
	if err != nil {
		return nil, err
	}
	res.Refs = refs
	var updates []func()
	for name, v := range refs {
		target, ok := args.Keyword[name]
		if !ok {
			continue
		}
		fn, err := refUpdater(name, target, v)
		if err != nil {
			return nil, err
		}
		updates = append(updates, fn)
	}

	var flat map[string]any
	if raw, ok := payload[SelectorsKey]; ok && raw != nil {
		if flat, ok = raw.(map[string]any); !ok {
			return nil, clippyerr.Protocolf("%s must be an object, got %T", SelectorsKey, raw)
		}
	}

	if out := payload[mux.OutputKey]; out != nil {
		res.Output, res.HasOutput = fmt.Sprint(out), true
		if !reply.OutputShown {
			inst.class.backend.opts.Display.Output(res.Output)
		}
	}

	state, hasState := payload[StateKey]
	err = inst.selectors.Update(flat, func() {
		for _, fn := range updates {
			fn()
		}
		if hasState {
			inst.state = state
		}
	})
	if err != nil {
		return nil, err
	}

	res.Self, _ = payload[SelfKey].(bool)
	return res, nil
}

// instanceExtension carries instances of cls across the wire as their
// state blob. A decoded instance is a fresh instance of cls.
func instanceExtension(cls *Class) wire.Extension {
	return wire.ExtensionFunc{
		Name: cls.desc.Name,
		EncodeFunc: func(v any) (any, bool, error) {
			inst, ok := v.(*Instance)
			if !ok || inst == nil || inst.class != cls {
				return nil, false, nil
			}
			return inst.State(), true, nil
		},
		DecodeFunc: func(state any) (any, error) {
			return cls.newInstance(state)
		},
	}
}
