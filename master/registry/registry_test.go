package registry_test

import (
	"testing"
	"time"

	"github.com/jrife/grouse/master/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistryAt(now *time.Time) *registry.Registry {
	return registry.New(registry.RegistryConfig{
		Clock: func() time.Time { return *now },
	})
}

func TestRecordHeartbeatRejectsMalformedHeartbeats(t *testing.T) {
	now := time.Now()
	reg := newRegistryAt(&now)

	_, err := reg.RecordHeartbeat("", "10.0.0.1:7050", 1, 0)
	require.ErrorIs(t, err, registry.ErrInvalidHeartbeat)

	_, err = reg.RecordHeartbeat("node-1", "", 1, 0)
	require.ErrorIs(t, err, registry.ErrInvalidHeartbeat)

	// a rejected heartbeat must not mutate state
	assert.Equal(t, 0, reg.CountLive())
	assert.Empty(t, reg.ListNodes())
}

func TestRecordHeartbeatTransitions(t *testing.T) {
	now := time.Now()
	reg := newRegistryAt(&now)

	transitioned, err := reg.RecordHeartbeat("node-1", "10.0.0.1:7050", 1, 3)
	require.NoError(t, err)
	assert.True(t, transitioned, "first heartbeat must signal a liveness transition")

	transitioned, err = reg.RecordHeartbeat("node-1", "10.0.0.1:7050", 2, 3)
	require.NoError(t, err)
	assert.False(t, transitioned, "repeat heartbeat must not signal a transition")

	node, ok := reg.Node("node-1")
	require.True(t, ok)
	assert.Equal(t, registry.StateLive, node.State)
	assert.Equal(t, 3, node.ReportedTabletCount)
}

func TestRecordHeartbeatIgnoresStaleSeqNo(t *testing.T) {
	now := time.Now()
	reg := newRegistryAt(&now)

	_, err := reg.RecordHeartbeat("node-1", "10.0.0.1:7050", 5, 10)
	require.NoError(t, err)

	// an older heartbeat arriving late is a no-op, not a regression
	transitioned, err := reg.RecordHeartbeat("node-1", "10.0.0.9:7050", 3, 99)
	require.NoError(t, err)
	assert.False(t, transitioned)

	node, _ := reg.Node("node-1")
	assert.Equal(t, "10.0.0.1:7050", node.Address)
	assert.Equal(t, int64(5), node.SeqNo)
	assert.Equal(t, 10, node.ReportedTabletCount)
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	reg := newRegistryAt(&now)

	_, err := reg.RecordHeartbeat("node-1", "10.0.0.1:7050", 1, 0)
	require.NoError(t, err)
	_, err = reg.RecordHeartbeat("node-2", "10.0.0.2:7050", 1, 0)
	require.NoError(t, err)

	// node-2 keeps heartbeating, node-1 goes silent
	now = now.Add(20 * time.Second)
	_, err = reg.RecordHeartbeat("node-2", "10.0.0.2:7050", 2, 0)
	require.NoError(t, err)

	expired := reg.SweepExpired(now.Add(15*time.Second), 30*time.Second)
	assert.Equal(t, []string{"node-1"}, expired)

	node, _ := reg.Node("node-1")
	assert.Equal(t, registry.StateDead, node.State)
	assert.Equal(t, 1, reg.CountLive())

	// sweeping again reports nothing new
	assert.Empty(t, reg.SweepExpired(now.Add(15*time.Second), 30*time.Second))
}

func TestDeadNodeRevivesOnHeartbeat(t *testing.T) {
	now := time.Now()
	reg := newRegistryAt(&now)

	_, err := reg.RecordHeartbeat("node-1", "10.0.0.1:7050", 1, 0)
	require.NoError(t, err)

	reg.SweepExpired(now.Add(time.Minute), 30*time.Second)

	transitioned, err := reg.RecordHeartbeat("node-1", "10.0.0.1:7050", 2, 0)
	require.NoError(t, err)
	assert.True(t, transitioned, "a DEAD node heartbeating again must signal a transition")
	assert.Equal(t, 1, reg.CountLive())
}

func TestLivenessMatchesHeartbeatWindow(t *testing.T) {
	now := time.Now()
	reg := newRegistryAt(&now)
	timeout := 30 * time.Second

	// A node is LIVE iff a heartbeat was recorded within the last
	// timeout relative to the sweep's view of now.
	for i, silence := range []time.Duration{0, 10 * time.Second, 29 * time.Second, 31 * time.Second, time.Hour} {
		_, err := reg.RecordHeartbeat("node-1", "10.0.0.1:7050", int64(i), 0)
		require.NoError(t, err)

		reg.SweepExpired(now.Add(silence), timeout)

		node, _ := reg.Node("node-1")

		if silence > timeout {
			assert.Equal(t, registry.StateDead, node.State, "silence %v", silence)
		} else {
			assert.Equal(t, registry.StateLive, node.State, "silence %v", silence)
		}
	}
}

func TestListLiveNodesIsOrderedSnapshot(t *testing.T) {
	now := time.Now()
	reg := newRegistryAt(&now)

	for _, id := range []string{"node-3", "node-1", "node-2"} {
		_, err := reg.RecordHeartbeat(id, id+":7050", 1, 0)
		require.NoError(t, err)
	}

	live := reg.ListLiveNodes()
	require.Len(t, live, 3)
	assert.Equal(t, "node-1", live[0].ID)
	assert.Equal(t, "node-2", live[1].ID)
	assert.Equal(t, "node-3", live[2].ID)

	// mutating the snapshot must not touch the registry
	live[0].State = registry.StateDead
	node, _ := reg.Node("node-1")
	assert.Equal(t, registry.StateLive, node.State)
}

func TestDecommission(t *testing.T) {
	now := time.Now()
	reg := newRegistryAt(&now)

	require.ErrorIs(t, reg.Decommission("node-1"), registry.ErrNoSuchNode)

	_, err := reg.RecordHeartbeat("node-1", "10.0.0.1:7050", 1, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Decommission("node-1"))
	assert.Equal(t, 0, reg.CountLive())

	_, ok := reg.Node("node-1")
	assert.False(t, ok)
}
