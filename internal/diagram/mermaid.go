package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Edges the
// record took are drawn thick.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, n := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(n))
	}
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Taken {
			arrow = "==>"
		}
		if e.Label != "" {
			arrow += "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	b.WriteByte('\n')
	for _, cls := range []string{StatusCurrent, StatusVisited} {
		p := statusPalettes[cls]
		fmt.Fprintf(&b, "    classDef %s fill:%s,stroke:%s,color:%s\n", cls, p.fill, p.stroke, p.font)
	}
	fmt.Fprintf(&b, "    classDef terminal stroke:%s,stroke-width:2px\n", terminalStroke)

	for _, n := range model.Nodes {
		id := mermaidSafeID(n.ID)
		if n.Kind == NodeKindTerminal {
			fmt.Fprintf(&b, "    class %s terminal\n", id)
		}
		if _, ok := paletteFor(n); ok {
			fmt.Fprintf(&b, "    class %s %s\n", id, n.Status.Status)
		}
	}
	return b.String()
}

// mermaidNodeDef declares node with a shape for its kind: a circle for the
// start, a stadium for terminal states and a box otherwise.
func mermaidNodeDef(node *Node) string {
	left, right := "[", "]"
	switch node.Kind {
	case NodeKindStart:
		left, right = "((", "))"
	case NodeKindTerminal:
		left, right = "([", "])"
	}
	return fmt.Sprintf("%s%s%q%s", mermaidSafeID(node.ID), left, nodeText(node), right)
}

// nodeText is the node label with its time in state, if any.
func nodeText(node *Node) string {
	if node.Status != nil && node.Status.Duration > 0 {
		return node.Label + " " + formatDuration(node.Status.Duration)
	}
	return node.Label
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}
