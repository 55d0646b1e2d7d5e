package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateManager_GetStateReturnsDefensiveCopy(t *testing.T) {
	sm := NewStateManager(time.Minute)
	sm.Initialize("e1", map[string]any{"a": map[string]any{"b": 1}})

	snapshot, err := sm.GetState("e1")
	require.NoError(t, err)
	snapshot["a"].(map[string]any)["b"] = 99

	fresh, err := sm.GetState("e1")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh["a"].(map[string]any)["b"])
}

func TestStateManager_UpdateStateDeepMerges(t *testing.T) {
	sm := NewStateManager(time.Minute)
	sm.Initialize("e1", map[string]any{"config": map[string]any{"timeout": 30}})

	require.NoError(t, sm.UpdateState("e1", map[string]any{"config": map[string]any{"retries": 3}}))

	state, err := sm.GetState("e1")
	require.NoError(t, err)
	cfg := state["config"].(map[string]any)
	assert.Equal(t, 30, cfg["timeout"])
	assert.Equal(t, 3, cfg["retries"])
}

func TestStateManager_EdgeContextIsOneShot(t *testing.T) {
	sm := NewStateManager(time.Minute)
	sm.Initialize("e1", nil)

	require.NoError(t, sm.SetEdgeContext("e1", map[string]any{"token": "x"}))

	data, err := sm.GetAndClearEdgeContext("e1")
	require.NoError(t, err)
	assert.Equal(t, "x", data["token"])

	data, err = sm.GetAndClearEdgeContext("e1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestStateManager_SetEdgeContextOverwrites(t *testing.T) {
	sm := NewStateManager(time.Minute)
	sm.Initialize("e1", nil)

	require.NoError(t, sm.SetEdgeContext("e1", map[string]any{"from": "first"}))
	require.NoError(t, sm.SetEdgeContext("e1", map[string]any{"from": "second"}))

	data, err := sm.GetAndClearEdgeContext("e1")
	require.NoError(t, err)
	assert.Equal(t, "second", data["from"])
}

func TestStateManager_CleanupRemovesAllAccess(t *testing.T) {
	sm := NewStateManager(time.Minute)
	sm.Initialize("e1", map[string]any{"a": 1})
	require.NoError(t, sm.SetEdgeContext("e1", map[string]any{"b": 2}))

	sm.Cleanup("e1")

	_, err := sm.GetState("e1")
	assert.Error(t, err)
	assert.Error(t, sm.UpdateState("e1", map[string]any{"a": 2}))
	_, err = sm.GetAndClearEdgeContext("e1")
	assert.Error(t, err)
	assert.Error(t, sm.SetEdgeContext("e1", nil))
}

func TestStateManager_NoCrossExecutionSharing(t *testing.T) {
	sm := NewStateManager(time.Minute)
	sm.Initialize("e1", map[string]any{"who": "first"})
	sm.Initialize("e2", map[string]any{"who": "second"})

	require.NoError(t, sm.UpdateState("e1", map[string]any{"extra": true}))

	state2, err := sm.GetState("e2")
	require.NoError(t, err)
	assert.Equal(t, "second", state2["who"])
	_, hasExtra := state2["extra"]
	assert.False(t, hasExtra)
}
