package clippy

import (
	"context"

	"github.com/machinefabric/clippy-go/catalog"
	"github.com/machinefabric/clippy-go/channel"
	"github.com/machinefabric/clippy-go/clippyerr"
)

// Method is one callable entry of a class table
type Method struct {
	class   *Class
	desc    catalog.MethodDescriptor
	schemas argSchemas
}

func newMethod(cls *Class, desc catalog.MethodDescriptor) (*Method, error) {
	raw := make(map[string]map[string]any)
	for _, a := range desc.Args {
		if a.Schema != nil {
			raw[a.Name] = a.Schema
		}
	}
	schemas, err := compileSchemas(cls.desc.Name, desc.Name, raw)
	if err != nil {
		return nil, err
	}
	return &Method{class: cls, desc: desc, schemas: schemas}, nil
}

// Name returns the method name
func (m *Method) Name() string {
	return m.desc.Name
}

// Doc returns the method description
func (m *Method) Doc() string {
	return m.desc.Doc
}

// Descriptor returns the catalog entry the method was built from
func (m *Method) Descriptor() catalog.MethodDescriptor {
	return m.desc
}

// Payload assembles the request arguments for a call on inst: the current
// state, the positional values by declared index and the keyword values.
func (m *Method) Payload(inst *Instance, args Args) (map[string]any, error) {
	if inst.class != m.class {
		return nil, clippyerr.Typef("%s.%s called on a %s instance", m.class.desc.Name, m.desc.Name, inst.class.desc.Name)
	}
	payload := map[string]any{StateKey: inst.State()}
	for _, a := range m.desc.Args {
		if a.Position != nil && *a.Position < len(args.Positional) {
			payload[a.Name] = args.Positional[*a.Position]
		}
	}
	for k, v := range args.Keyword {
		payload[k] = v
	}
	if err := m.schemas.check(m.class.backend.codec, m.desc.Name, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Call runs the method on inst and applies the response to it
func (m *Method) Call(ctx context.Context, inst *Instance, args Args) (*Result, error) {
	inst.callMu.Lock()
	defer inst.callMu.Unlock()

	payload, err := m.Payload(inst, args)
	if err != nil {
		return nil, err
	}
	log := m.class.log.With().Str("method", m.desc.Name).Logger()
	log.Debug().Msg("calling backend")

	reply, err := m.class.backend.runner.Run(ctx, m.desc.Name, payload)
	if err != nil {
		log.Debug().Err(err).Msg("backend call failed")
		return nil, err
	}
	log.Debug().Str("exchange", reply.ExchangeID).Msg("backend call complete")
	return inst.apply(args, reply)
}

// Validate dry-runs the method on inst. ok is false when the backend
// rejects the request; stderr holds its explanation.
func (m *Method) Validate(ctx context.Context, inst *Instance, args Args) (bool, string, error) {
	checker, err := m.checker()
	if err != nil {
		return false, "", err
	}
	payload, err := m.Payload(inst, args)
	if err != nil {
		return false, "", err
	}
	return checker.Validate(ctx, m.desc.Name, payload)
}

// Help asks the backend to describe the method
func (m *Method) Help(ctx context.Context, inst *Instance, args Args) (map[string]any, error) {
	checker, err := m.checker()
	if err != nil {
		return nil, err
	}
	payload, err := m.Payload(inst, args)
	if err != nil {
		return nil, err
	}
	reply, err := checker.Help(ctx, m.desc.Name, payload)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (m *Method) checker() (channel.Checker, error) {
	if c := m.class.backend.checker; c != nil {
		return c, nil
	}
	return nil, clippyerr.Configurationf("%s.%s: validate and help need a per-call (%q mode) backend", m.class.desc.Name, m.desc.Name, "exec")
}
