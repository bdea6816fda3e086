package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIIGraph(t *testing.T) {
	model, err := Build(nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.NotEmpty(t, output)

	assert.Contains(t, output, "Rate lock lifecycle")

	// Box-drawing characters, double-lined for terminal states.
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "╔")
	assert.Contains(t, output, "║")

	for _, label := range []string{"Start", "PendingRequest", "UnderReview", "RateOptionsPresented", "Locked", "Expired", "Cancelled"} {
		assert.Contains(t, output, label)
	}
	assert.Contains(t, output, "--- transitions ---")
	assert.Contains(t, output, "Locked ─→ Expired (lock_expired)")
	assert.NotContains(t, output, "[NOW]")
}

func TestRenderASCIIWithRecord(t *testing.T) {
	model, err := Build(lockedRecord())
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "[NOW]")
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "1m0s")
	assert.Contains(t, output, " * RateOptionsPresented ─→ Locked (compliance_passed)")
	assert.Contains(t, output, "   Locked ─→ Cancelled (cancellation_requested)")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second+200*time.Millisecond))
	assert.Equal(t, "2h15m0s", formatDuration(2*time.Hour+15*time.Minute+10*time.Second))
}
