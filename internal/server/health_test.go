package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAggregatesWorstStatus(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterComponent("a", func() error { return nil })
	h := hc.CheckHealth()
	assert.Equal(t, Healthy, h.OverallStatus)
	assert.Equal(t, "test", h.Version)

	hc.RegisterComponent("b", func() error { return &DegradedError{Reason: "slow"} })
	h = hc.CheckHealth()
	assert.Equal(t, Degraded, h.OverallStatus)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "slow", h.Components[1].Message)

	hc.RegisterComponent("c", func() error { return errors.New("down") })
	assert.Equal(t, Unhealthy, hc.CheckHealth().OverallStatus)
}
