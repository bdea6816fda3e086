package diagram

import (
	"fmt"
	"strings"
	"time"
)

// formatDuration prints d rounded to the largest useful unit.
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return d.Round(time.Minute).String()
	case d >= time.Second:
		return d.Round(time.Second).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}

// frame is the set of box-drawing runes around a node.
type frame struct {
	topLeft, topRight, bottomLeft, bottomRight, horizontal, vertical string
}

var (
	stateFrame    = frame{"┌", "┐", "└", "┘", "─", "│"}
	terminalFrame = frame{"╔", "╗", "╚", "╝", "═", "║"}
)

const levelGap = "  "

// RenderASCII draws one row of boxes per level, top to bottom, followed by
// the transition list. Transitions the record took are starred.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	for i, level := range model.Levels {
		var row [][]string
		for _, id := range level {
			if n, ok := byID[id]; ok {
				row = append(row, boxLines(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	if len(model.Edges) == 0 {
		return b.String()
	}
	b.WriteString("\n--- transitions ---\n")
	for _, e := range model.Edges {
		writeTransition(&b, e)
	}
	return b.String()
}

// boxLines renders node as a framed box: its label, then its status tag
// and time in state when the record visited it.
func boxLines(node *Node) []string {
	content := []string{node.Label}
	if st := node.Status; st != nil {
		switch st.Status {
		case StatusCurrent:
			content = append(content, "[NOW]")
		case StatusVisited:
			content = append(content, "[OK]")
		}
		if st.Duration > 0 {
			content = append(content, formatDuration(st.Duration))
		}
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, len(c))
	}

	f := stateFrame
	if node.Kind == NodeKindTerminal {
		f = terminalFrame
	}
	rule := strings.Repeat(f.horizontal, inner+2)
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, f.topLeft+rule+f.topRight)
	for _, c := range content {
		lines = append(lines, fmt.Sprintf("%s %-*s %s", f.vertical, inner, c, f.vertical))
	}
	return append(lines, f.bottomLeft+rule+f.bottomRight)
}

// writeRow prints boxes side by side, padding shorter ones.
func writeRow(b *strings.Builder, boxes [][]string) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box))
	}
	for line := 0; line < height; line++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString(levelGap)
			}
			if line < len(box) {
				b.WriteString(box[line])
			} else {
				b.WriteString(strings.Repeat(" ", runeWidth(box[0])))
			}
		}
		b.WriteByte('\n')
	}
}

func runeWidth(s string) int {
	return len([]rune(s))
}

func writeTransition(b *strings.Builder, e Edge) {
	mark := " "
	if e.Taken {
		mark = "*"
	}
	from := e.From
	if from == startID {
		from = "Start"
	}
	fmt.Fprintf(b, " %s %s ─→ %s", mark, from, e.To)
	if e.Label != "" {
		fmt.Fprintf(b, " (%s)", e.Label)
	}
	b.WriteByte('\n')
}
