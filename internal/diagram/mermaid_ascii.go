package diagram

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// MermaidASCIIBinary is the file name of the mermaid-ascii renderer.
const MermaidASCIIBinary = "mermaid-ascii"

const cliTimeout = 5 * time.Second

// RenderASCIIAuto renders through the mermaid-ascii binary in binDir when it
// is installed and succeeds, and with RenderASCII otherwise.
func RenderASCIIAuto(model *DiagramModel, binDir string) string {
	if binDir == "" {
		return RenderASCII(model)
	}
	binPath := filepath.Join(binDir, MermaidASCIIBinary)
	if _, err := os.Stat(binPath); err != nil {
		return RenderASCII(model)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	out, err := RenderASCIIViaCLI(ctx, model, binPath)
	if err != nil {
		return RenderASCII(model)
	}
	return out
}

// RenderASCIIViaCLI feeds RenderMermaidForCLI output to the binary at
// binPath on stdin and returns what it prints.
func RenderASCIIViaCLI(ctx context.Context, model *DiagramModel, binPath string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binPath)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", MermaidASCIIBinary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI emits edges only. mermaid-ascii does not parse node
// declarations, so each node's overlay is folded into its ID.
func RenderMermaidForCLI(model *DiagramModel) string {
	ids := make(map[string]string, len(model.Nodes))
	for _, node := range model.Nodes {
		ids[node.ID] = cliNodeID(node)
	}
	idOf := func(id string) string {
		if cli, ok := ids[id]; ok {
			return cli
		}
		return mermaidSafeID(id)
	}

	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", idOf(e.From), arrow, idOf(e.To))
	}
	return b.String()
}

var cliIDReplacer = strings.NewReplacer(" ", "-", "(", "", ")", "")

// cliNodeID is the node label followed by its status tag and time in state,
// joined by dashes, e.g. "UnderReview-OK-1m0s".
func cliNodeID(node *Node) string {
	label := node.Label
	if label == "" {
		label = node.ID
	}
	parts := []string{label}
	if st := node.Status; st != nil {
		switch st.Status {
		case StatusCurrent:
			parts = append(parts, "NOW")
		case StatusVisited:
			parts = append(parts, "OK")
		}
		if st.Duration > 0 {
			parts = append(parts, formatDuration(st.Duration))
		}
	}
	return cliIDReplacer.Replace(strings.Join(parts, "-"))
}
