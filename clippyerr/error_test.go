package clippyerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TEST051: Sentinels match errors of the same type only
func Test051_sentinel_matching(t *testing.T) {
	err := Protocolf("bad line %q", "x")
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrBackend))

	wrapped := fmt.Errorf("call: %w", InvalidSelectorf("selector not found: %s", "q"))
	assert.True(t, errors.Is(wrapped, ErrInvalidSelector))
}

// TEST052: A timeout is also a protocol error
func Test052_timeout_is_protocol(t *testing.T) {
	err := Timeoutf("no output")
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.False(t, errors.Is(ErrProtocol, ErrTimeout))
}

// TEST053: Validation and backend errors carry stderr verbatim
func Test053_stderr_messages(t *testing.T) {
	v := NewValidation("bad argument\n")
	assert.Equal(t, "bad argument\n", v.Error())
	assert.True(t, errors.Is(v, ErrValidation))

	b := NewBackend("boom\n")
	assert.Equal(t, "boom\n", b.Error())
	assert.Equal(t, "boom\n", b.Stderr)
	typ, ok := TypeOf(fmt.Errorf("x: %w", b))
	assert.True(t, ok)
	assert.Equal(t, Backend, typ)
}

// TEST054: Wrap keeps the cause reachable
func Test054_wrap(t *testing.T) {
	err := Wrap(Timeout, context.Canceled, "exchange cancelled")
	assert.Equal(t, "timeout error: exchange cancelled: context canceled", err.Error())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "configuration error: no path", Configurationf("no path").Error())
	assert.Equal(t, "type error: bad", Typef("bad").Error())

	_, ok := TypeOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, "invalid selector", InvalidSelector.String())
}
