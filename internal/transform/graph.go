package transform

import (
	"strings"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

const defaultEdgeType = "REFERENCES"

// EdgeID names the edge a row owns through one foreign-key column. It is
// stable across updates so a changed target replaces the old edge, and two
// columns referencing the same table own distinct edges.
func EdgeID(nodeID string, e config.GraphEdge) string {
	return nodeID + "-[" + edgeType(e) + "]->" + e.TargetTable + "(" + e.Column + ")"
}

func edgeType(e config.GraphEdge) string {
	if e.Type != "" {
		return e.Type
	}
	return defaultEdgeType
}

// MapGraph turns a row change into graph mutations: the row becomes a node,
// every configured foreign-key column becomes an owned edge. A null foreign
// key removes the edge and a delete removes the node with its edges.
func MapGraph(m config.Mapping, ev types.ChangeEvent) []types.GraphMutation {
	id := ev.ID()
	label := m.Graph.Label
	if label == "" {
		label = m.Table
	}
	if ev.Op == types.OpDelete {
		return []types.GraphMutation{{Kind: types.NodeDelete, Label: label, NodeID: id}}
	}

	props := make(map[string]any)
	for _, cols := range [][]string{m.KeyColumns, m.TextColumns, m.MetadataColumns} {
		for _, c := range cols {
			if v, ok := ev.After[c]; ok && v != nil {
				props[c] = v
			}
		}
	}

	out := []types.GraphMutation{{Kind: types.NodeUpsert, Label: label, NodeID: id, Properties: props}}
	for _, e := range m.Graph.Edges {
		edgeID := EdgeID(id, e)
		target := strings.TrimSpace(util.Canonical(ev.After[e.Column]))
		if target == "" {
			out = append(out, types.GraphMutation{Kind: types.EdgeDelete, Label: edgeType(e), EdgeID: edgeID, From: id})
			continue
		}
		out = append(out, types.GraphMutation{
			Kind:   types.EdgeUpsert,
			Label:  edgeType(e),
			EdgeID: edgeID,
			From:   id,
			To:     types.DocumentKey(e.TargetTable, []string{target}),
		})
	}
	return out
}
