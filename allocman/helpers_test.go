package allocman_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/internal/testutil"
)

type fixture struct {
	m     *allocman.Manager
	ms    *testutil.Mspace
	cs    *testutil.Cspace
	us    *testutil.Utspace
	mover *testutil.Mover
	logs  *bytes.Buffer
}

// newFixture builds a Manager with all three mock backends attached.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := newMspaceOnly(t, nil)
	f.cs = testutil.NewCspace()
	f.us = testutil.NewUtspace()
	require.NoError(t, f.m.AttachCspace(f.cs))
	require.NoError(t, f.m.AttachUtspace(f.us))
	return f
}

// newMspaceOnly builds a Manager with just the mspace mock. opts may be nil.
func newMspaceOnly(t *testing.T, opts *allocman.Options) *fixture {
	t.Helper()
	logger, logs := testutil.Logger()
	mover := &testutil.Mover{}
	if opts == nil {
		opts = allocman.DefaultOptions()
	}
	opts.Logger = logger
	opts.Mover = mover
	ms := testutil.NewMspace()
	return &fixture{m: allocman.New(ms, opts), ms: ms, mover: mover, logs: logs}
}

// requireBalanced asserts that no operation is in progress.
func requireBalanced(t *testing.T, m *allocman.Manager) {
	t.Helper()
	require.Equal(t, allocman.Depths{}, m.Depths(), "depth counters must return to zero")
	require.False(t, m.InOperation(), "no operation should be in progress")
}

// requireBounded asserts that no pool or queue exceeds its target.
func requireBounded(t *testing.T, m *allocman.Manager) {
	t.Helper()
	l := m.ReserveLevels()
	for name, lv := range map[string]allocman.Level{
		"cspace":        l.CspaceSlots,
		"freed slots":   l.FreedSlots,
		"freed memory":  l.FreedMemory,
		"freed untyped": l.FreedUntyped,
	} {
		require.LessOrEqual(t, lv.Current, lv.Desired, "%s over target", name)
	}
	for _, c := range l.Mspace {
		require.LessOrEqual(t, c.Current, c.Desired, "mspace class %d over target", c.Size)
	}
	for _, c := range l.Utspace {
		require.LessOrEqual(t, c.Current, c.Desired, "utspace class %d/%d over target", c.SizeBits, c.Type)
	}
}
