package diagram

import "time"

// NodeKind classifies a diagram node by its place in the lock graph.
type NodeKind string

const (
	NodeKindState    NodeKind = "state"
	NodeKindTerminal NodeKind = "terminal"
	NodeKindStart    NodeKind = "start"
)

// Overlay statuses.
const (
	StatusVisited = "visited"
	StatusCurrent = "current"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single lock state in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries a record's history for a node.
type StatusOverlay struct {
	Status    string // StatusVisited or StatusCurrent
	EnteredAt time.Time
	Duration  time.Duration // time spent in the state; zero for the current one
}

// Edge represents a legal transition between two states.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
