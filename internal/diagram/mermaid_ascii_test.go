package diagram

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaidForCLI(t *testing.T) {
	model, err := Build(nil)
	require.NoError(t, err)

	result := RenderMermaidForCLI(model)

	assert.Contains(t, result, "graph TD")
	assert.Contains(t, result, "Start -->|new_request| PendingRequest")
	assert.Contains(t, result, "Locked -->|lock_expired| Expired")
	// Must NOT contain node declarations with ["..."] syntax.
	assert.NotContains(t, result, "[\"")
	assert.NotContains(t, result, "classDef")
}

func TestRenderMermaidForCLI_WithRecord(t *testing.T) {
	model, err := Build(lockedRecord())
	require.NoError(t, err)

	result := RenderMermaidForCLI(model)
	assert.Contains(t, result, "PendingRequest-OK-1m0s -->|context_requested| UnderReview-OK-1m0s")
	assert.Contains(t, result, "RateOptionsPresented-OK-1m0s -->|compliance_passed| Locked-NOW")
}

func TestCLINodeID(t *testing.T) {
	assert.Equal(t, "Start", cliNodeID(&Node{ID: "__start__", Label: "Start"}))
	assert.Equal(t, "Locked-NOW", cliNodeID(&Node{ID: "Locked", Label: "Locked", Status: &StatusOverlay{Status: StatusCurrent}}))
	assert.Equal(t, "Under-Review-OK-2.5s", cliNodeID(&Node{ID: "x", Label: "Under Review", Status: &StatusOverlay{Status: StatusVisited, Duration: 2500 * time.Millisecond}}))
}

func TestRenderASCIIAuto_FallsBack(t *testing.T) {
	model, err := Build(nil)
	require.NoError(t, err)

	expected := RenderASCII(model)
	assert.Equal(t, expected, RenderASCIIAuto(model, ""))
	assert.Equal(t, expected, RenderASCIIAuto(model, t.TempDir()))
}

func TestRenderASCIIViaCLI_MissingBinary(t *testing.T) {
	model, err := Build(nil)
	require.NoError(t, err)

	_, err = RenderASCIIViaCLI(context.Background(), model, filepath.Join(t.TempDir(), MermaidASCIIBinary))
	assert.ErrorContains(t, err, MermaidASCIIBinary)
}

func TestRenderASCIIAuto_RealBinary(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	binDir := filepath.Join(home, ".lockflow", "bin")
	if _, err := os.Stat(filepath.Join(binDir, MermaidASCIIBinary)); err != nil {
		t.Skip("mermaid-ascii not installed")
	}

	model, err := Build(lockedRecord())
	require.NoError(t, err)
	output := RenderASCIIAuto(model, binDir)
	assert.Contains(t, output, "Locked")
}
