package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage lays model out with the dot engine and returns it as PNG.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	nodes, err := addNodes(graph, model.Nodes)
	if err != nil {
		return nil, err
	}
	if err := addEdges(graph, nodes, model.Edges); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func addNodes(graph *cgraph.Graph, nodes []*Node) (map[string]*cgraph.Node, error) {
	out := make(map[string]*cgraph.Node, len(nodes))
	for _, node := range nodes {
		gn, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gn.SetLabel(nodeText(node))

		switch node.Kind {
		case NodeKindStart:
			gn.SetShape(cgraph.CircleShape)
			gn.SetWidth(startNodeDiameter)
			gn.SetHeight(startNodeDiameter)
		case NodeKindTerminal:
			gn.SetShape(cgraph.DoubleCircleShape)
		default:
			gn.SetShape(cgraph.BoxShape)
		}
		if p, ok := paletteFor(node); ok {
			gn.SetStyle(cgraph.FilledNodeStyle)
			gn.SetFillColor(p.fill)
			gn.SetFontColor(p.font)
		}
		out[node.ID] = gn
	}
	return out, nil
}

// addEdges skips edges whose endpoints are not in the graph.
func addEdges(graph *cgraph.Graph, nodes map[string]*cgraph.Node, edges []Edge) error {
	for _, edge := range edges {
		from, to := nodes[edge.From], nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			ge.SetLabel(edge.Label)
		}
		if edge.Taken {
			ge.SetPenWidth(takenEdgePenWidth)
			ge.SetColor(takenEdgeColor)
		}
	}
	return nil
}
