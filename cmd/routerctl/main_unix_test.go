//go:build !windows

package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRestartStop(t *testing.T) {
	cfg := writeTestConfig(t)
	t.Cleanup(func() { _, _ = run(t, "--config", cfg, "stop", "router") })

	out, err := run(t, "--config", cfg, "start", "router")
	require.NoError(t, err)
	var started struct{ PID int }
	require.NoError(t, json.Unmarshal([]byte(out), &started))
	require.Greater(t, started.PID, 0)

	out, err = run(t, "--config", cfg, "activate", "cheap")
	require.NoError(t, err)
	var act struct {
		Restarted bool `json:"restarted"`
		PID       int  `json:"pid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &act))
	assert.True(t, act.Restarted)
	assert.NotEqual(t, started.PID, act.PID)

	out, err = run(t, "--config", cfg, "status", "router")
	require.NoError(t, err)
	var st struct {
		Running bool `json:"running"`
		PID     int  `json:"pid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Running)
	assert.Equal(t, act.PID, st.PID)

	out, err = run(t, "--config", cfg, "stop", "router")
	require.NoError(t, err)
	assert.Contains(t, out, `"stopped": true`)
}
