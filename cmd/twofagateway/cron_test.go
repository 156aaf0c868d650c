package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

type dummyCleaner struct {
	calls int
	n     int
	err   error
}

func (d *dummyCleaner) Cleanup(ctx context.Context) (int, error) {
	d.calls++
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("no deadline on cleanup context")
	}
	return d.n, d.err
}

func TestRunCleanup(t *testing.T) {
	var (
		buf bytes.Buffer
		lo  = logf.New(logf.Opts{Writer: &buf, Level: logf.DebugLevel})
	)

	c := &dummyCleaner{n: 3}
	runCleanup(c, lo)
	assert.Equal(t, 1, c.calls, "cleanup didn't run")
	assert.Contains(t, buf.String(), "cleaned up expired sessions")
	assert.NotContains(t, buf.String(), "error")

	// Nothing swept, nothing logged.
	buf.Reset()
	c = &dummyCleaner{}
	runCleanup(c, lo)
	assert.Equal(t, 1, c.calls)
	assert.Empty(t, buf.String())

	buf.Reset()
	c = &dummyCleaner{err: errors.New("store is down")}
	runCleanup(c, lo)
	assert.Equal(t, 1, c.calls)
	assert.Contains(t, buf.String(), "error cleaning up sessions")
	assert.Contains(t, buf.String(), "store is down")
}

func TestInitCron(t *testing.T) {
	var buf bytes.Buffer
	cr := initCron("@every 1m", &dummyCleaner{}, logf.New(logf.Opts{Writer: &buf}))

	require.Len(t, cr.Entries(), 1, "cleanup job wasn't scheduled")
	assert.Contains(t, buf.String(), "scheduled session cleanup")
}
