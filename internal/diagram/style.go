package diagram

// palette holds the colors for one overlay status.
type palette struct {
	fill, stroke, font string
}

var statusPalettes = map[string]palette{
	StatusCurrent: {fill: "#1a5276", stroke: "#0e3a52", font: "#fff"},
	StatusVisited: {fill: "#2d6a2d", stroke: "#1a4a1a", font: "#fff"},
}

const (
	takenEdgeColor    = "#1a5276"
	takenEdgePenWidth = 2.5
	terminalStroke    = "#8b1a1a"
	startNodeDiameter = 0.5
)

// paletteFor returns the colors of node's overlay, if it has one.
func paletteFor(node *Node) (palette, bool) {
	if node.Status == nil {
		return palette{}, false
	}
	p, ok := statusPalettes[node.Status.Status]
	return p, ok
}
