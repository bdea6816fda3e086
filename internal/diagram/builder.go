package diagram

import (
	"fmt"
	"time"

	"github.com/rendis/lockflow/internal/engine"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

const startID = "__start__"

// step is one position of a record's walk through the lock graph.
type step struct {
	status    schema.LockStatus
	enteredAt time.Time
}

// Build constructs a DiagramModel of the lock state graph. When rec is not
// nil its walk is overlaid: visited states carry their time in state, the
// record's current state is marked, and the edges it took are flagged.
func Build(rec *store.RateLockRecord) (*DiagramModel, error) {
	nodeIndex := make(map[string]*Node, len(schema.AllLockStatuses)+1)
	nodes := make([]*Node, 0, len(schema.AllLockStatuses)+1)

	// Virtual start node.
	startNode := &Node{ID: startID, Label: "Start", Kind: NodeKindStart}
	nodes = append(nodes, startNode)
	nodeIndex[startID] = startNode

	for _, st := range schema.AllLockStatuses {
		node := &Node{ID: string(st), Label: string(st), Kind: NodeKindState}
		if engine.IsTerminal(st) {
			node.Kind = NodeKindTerminal
		}
		nodes = append(nodes, node)
		nodeIndex[node.ID] = node
	}

	edges := buildEdges()
	model := &DiagramModel{
		Title:  "Rate lock lifecycle",
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(),
	}
	if rec == nil {
		return model, nil
	}

	walk := walkOf(rec)
	statuses := make([]schema.LockStatus, len(walk))
	for i, s := range walk {
		statuses[i] = s.status
	}
	if !engine.IsValidWalk(statuses) {
		return nil, fmt.Errorf("diagram: rate lock %s has a history that is not a walk of the lock graph", rec.ID)
	}

	model.Title = fmt.Sprintf("Rate lock %s (%s)", rec.ID, rec.Status)
	overlayWalk(nodeIndex, walk)
	markTaken(model.Edges, walk)
	return model, nil
}

// buildEdges lists every legal transition, labelled with the message type
// that drives it, preceded by the virtual start edge.
func buildEdges() []Edge {
	edges := []Edge{{From: startID, To: string(schema.LockStatusPendingRequest), Label: string(schema.MsgNewRequest)}}
	for _, from := range schema.AllLockStatuses {
		for _, to := range engine.LockTransitions[from] {
			edges = append(edges, Edge{
				From:  string(from),
				To:    string(to),
				Label: string(engine.TriggerFor(to)),
			})
		}
	}
	return edges
}

// buildLevels lays the happy path out top to bottom with both terminal
// states on the last level.
func buildLevels() [][]string {
	var levels [][]string
	levels = append(levels, []string{startID})
	var terminal []string
	for _, st := range schema.AllLockStatuses {
		if engine.IsTerminal(st) {
			terminal = append(terminal, string(st))
			continue
		}
		levels = append(levels, []string{string(st)})
	}
	return append(levels, terminal)
}

// walkOf extracts the status changes from a record's audit trail.
func walkOf(rec *store.RateLockRecord) []step {
	var walk []step
	for _, a := range rec.Audit {
		if a.ToState == "" || a.FromState == a.ToState {
			continue
		}
		walk = append(walk, step{status: a.ToState, enteredAt: a.Timestamp})
	}
	if len(walk) == 0 {
		walk = append(walk, step{status: rec.Status, enteredAt: rec.CreatedAt})
	}
	return walk
}

// overlayWalk applies the record's history to the state nodes.
func overlayWalk(nodeIndex map[string]*Node, walk []step) {
	for i, s := range walk {
		node := nodeIndex[string(s.status)]
		if node == nil {
			continue
		}
		overlay := &StatusOverlay{Status: StatusVisited, EnteredAt: s.enteredAt}
		if i == len(walk)-1 {
			overlay.Status = StatusCurrent
		} else {
			overlay.Duration = walk[i+1].enteredAt.Sub(s.enteredAt)
		}
		node.Status = overlay
	}
}

// markTaken flags the edges the record travelled.
func markTaken(edges []Edge, walk []step) {
	taken := map[[2]string]bool{{startID, string(walk[0].status)}: true}
	for i := 1; i < len(walk); i++ {
		taken[[2]string{string(walk[i-1].status), string(walk[i].status)}] = true
	}
	for i := range edges {
		if taken[[2]string{edges[i].From, edges[i].To}] {
			edges[i].Taken = true
		}
	}
}
