package netstatus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorSetReportsTransitions(t *testing.T) {
	m := NewMonitor(true)
	changes, cancel := m.Changes()
	defer cancel()

	assert.False(t, m.Set(true), "no transition")
	assert.True(t, m.Set(false))
	assert.False(t, m.IsOnline())
	assert.Equal(t, false, <-changes)

	assert.True(t, m.Set(true))
	assert.True(t, m.Set(false))
	assert.Equal(t, false, <-changes, "slow reader sees the latest state")
	select {
	case v := <-changes:
		t.Fatalf("unexpected extra change %v", v)
	default:
	}
}

func TestReadSignalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network")

	online, err := ReadSignalFile(path)
	require.NoError(t, err)
	assert.True(t, online, "missing file means online")

	for content, want := range map[string]bool{"offline\n": false, " 0 ": false, "DOWN": false, "online": true, "": true} {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		online, err := ReadSignalFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, online, "content %q", content)
	}
}

func TestWatchFileFollowsSignalChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network")
	require.NoError(t, os.WriteFile(path, []byte("offline"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	states := make(chan bool, 16)
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, nil, func(online bool) { states <- online })
	}()

	expect := func(want bool) {
		t.Helper()
		select {
		case got := <-states:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
	expect(false)

	require.NoError(t, os.WriteFile(path, []byte("online"), 0o600))
	expect(true)

	require.NoError(t, os.WriteFile(path, []byte("offline"), 0o600))
	expect(false)

	require.NoError(t, os.Remove(path))
	expect(true)

	cancel()
	require.NoError(t, <-done)
}
