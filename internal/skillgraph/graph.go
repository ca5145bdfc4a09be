// Package skillgraph maintains the performance view of the capability
// ecosystem: per-capability nodes and pairwise edges updated by
// exponential moving averages, path finding across proven
// compositions, and a keyed result cache whose entries die with the
// capability version that produced them.
package skillgraph

import (
	"skillforge/internal/logging"
	"skillforge/internal/store"
)

// Graph statistics smoothing. Slower than the tracker's: node and edge
// statistics feed routing decisions and should not whiplash on a
// single bad run.
const graphAlpha = 0.2

// Edge weight blend between observed success and data quality.
const (
	edgeSuccessWeight = 0.7
	edgeQualityWeight = 0.3
)

// Graph records execution observations into skill nodes and edges.
type Graph struct {
	store *store.Store
}

// NewGraph builds the graph view over the store.
func NewGraph(st *store.Store) *Graph {
	return &Graph{store: st}
}

// Observe folds one execution into the capability's node statistics.
func (g *Graph) Observe(capability string, success bool, latencyMs int64) error {
	return g.store.UpdateSkillNode(capability, success, float64(latencyMs), graphAlpha)
}

// ObserveTransition folds one step boundary into the edge between two
// capabilities. dataQuality in [0,1] rates how well the first step's
// output served the second.
func (g *Graph) ObserveTransition(from, to string, success bool, dataQuality float64) error {
	return g.store.UpdateSkillEdge(from, to, success, dataQuality, graphAlpha, edgeSuccessWeight, edgeQualityWeight)
}

// Node returns a capability's statistics, nil if never observed.
func (g *Graph) Node(capability string) (*store.SkillNode, error) {
	return g.store.GetSkillNode(capability)
}

// Edges returns edges leaving a capability.
func (g *Graph) Edges(capability string) ([]store.SkillEdge, error) {
	return g.store.EdgesFrom(capability)
}

// Path finds a proven composition from one capability to another as an
// ordered list of capability names, nil when none is known. The path
// is advisory; absence is a normal answer, not an error.
func (g *Graph) Path(from, to string, maxDepth int) ([]string, error) {
	edges, err := g.store.FindSkillPath(from, to, maxDepth)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}
	path := make([]string, 0, len(edges)+1)
	path = append(path, from)
	for _, e := range edges {
		path = append(path, e.ToCap)
	}
	logging.Get(logging.CategoryGraph).Debug("path %s -> %s: %v", from, to, path)
	return path, nil
}
