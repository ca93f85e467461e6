//go:build unix

package mux

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cpuTime(t *testing.T) time.Duration {
	t.Helper()
	var ru syscall.Rusage
	require.NoError(t, syscall.Getrusage(syscall.RUSAGE_SELF, &ru))
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

// TEST217: A backend that closes stderr before READY is waited for idly
func Test217_await_ready_stderr_closed(t *testing.T) {
	p := startScript(t, `exec 2>&-
sleep 0.4
echo '{"_status":"ready"}'
read line`, Options{GracePeriod: 10 * time.Millisecond})

	before := cpuTime(t)
	require.NoError(t, p.AwaitReady(context.Background(), 5*time.Second))
	spent := cpuTime(t) - before

	assert.True(t, p.stderrEOF)
	assert.Less(t, spent, 200*time.Millisecond)
}
