package channel

import (
	"context"

	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/mux"
)

// Session runs commands over one long-lived backend process. Calls are
// serialized by the process; a Session is safe for concurrent use.
type Session struct {
	proc *mux.Process
}

var _ Runner = (*Session)(nil)

// NewSession wraps a process that has completed its handshake
func NewSession(proc *mux.Process) *Session {
	return &Session{proc: proc}
}

// Process returns the underlying process
func (s *Session) Process() *mux.Process {
	return s.proc
}

// Run sends name to the backend and waits for its framed answer
func (s *Session) Run(ctx context.Context, name string, args map[string]any) (*Reply, error) {
	resp, err := s.proc.Exchange(ctx, mux.Request{
		Payload:       Payload(name, args),
		RequireOutput: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, clippyerr.NewBackend(resp.Stderr)
	}
	return newReply(resp), nil
}

// Close shuts the backend down
func (s *Session) Close() error {
	return s.proc.Close()
}
