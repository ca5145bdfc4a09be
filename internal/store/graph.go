package store

import (
	"database/sql"
	"fmt"
	"math"

	"skillforge/internal/logging"
)

// SkillNode is a capability node with learned execution statistics.
type SkillNode struct {
	Name         string
	ExecCount    int
	SuccessRate  float64
	AvgLatencyMs float64
}

// SkillEdge is an observed capability transition with a blended weight.
type SkillEdge struct {
	FromCap     string
	ToCap       string
	Weight      float64
	SuccessRate float64
	DataQuality float64
	Traversals  int
}

// UpdateSkillNode blends one observation into a node's EMA statistics.
// The read-modify-write happens under the store lock so concurrent
// observers converge.
func (s *Store) UpdateSkillNode(name string, success bool, latencyMs float64, alpha float64) error {
	if name == "" {
		return fmt.Errorf("skill node name must be non-empty")
	}
	if math.IsNaN(latencyMs) || math.IsInf(latencyMs, 0) {
		return fmt.Errorf("invalid latency: %v", latencyMs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var node SkillNode
	row := s.db.QueryRow(`
		SELECT name, exec_count, success_rate, avg_latency_ms
		FROM skill_nodes WHERE name = ?`, name)
	err := row.Scan(&node.Name, &node.ExecCount, &node.SuccessRate, &node.AvgLatencyMs)

	observed := 0.0
	if success {
		observed = 1.0
	}

	switch {
	case err == sql.ErrNoRows:
		node = SkillNode{Name: name, ExecCount: 1, SuccessRate: observed, AvgLatencyMs: latencyMs}
	case err != nil:
		return err
	default:
		node.ExecCount++
		node.SuccessRate = alpha*observed + (1-alpha)*node.SuccessRate
		node.AvgLatencyMs = alpha*latencyMs + (1-alpha)*node.AvgLatencyMs
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO skill_nodes (name, exec_count, success_rate, avg_latency_ms, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		node.Name, node.ExecCount, node.SuccessRate, node.AvgLatencyMs, nowString())
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to update skill node %s: %v", name, err)
	}
	return err
}

// GetSkillNode retrieves a node, nil if the capability was never executed.
func (s *Store) GetSkillNode(name string) (*SkillNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, exec_count, success_rate, avg_latency_ms
		FROM skill_nodes WHERE name = ?`, name)

	var node SkillNode
	err := row.Scan(&node.Name, &node.ExecCount, &node.SuccessRate, &node.AvgLatencyMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// UpdateSkillEdge blends one observed transition into an edge. Weight is
// a fixed blend of success rate and data quality so planners can compare
// alternative paths on one scalar.
func (s *Store) UpdateSkillEdge(from, to string, success bool, dataQuality, alpha, wSuccess, wQuality float64) error {
	if from == "" || to == "" {
		return fmt.Errorf("skill edge endpoints must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var edge SkillEdge
	row := s.db.QueryRow(`
		SELECT from_cap, to_cap, weight, success_rate, data_quality, traversals
		FROM skill_edges WHERE from_cap = ? AND to_cap = ?`, from, to)
	err := row.Scan(&edge.FromCap, &edge.ToCap, &edge.Weight, &edge.SuccessRate,
		&edge.DataQuality, &edge.Traversals)

	observed := 0.0
	if success {
		observed = 1.0
	}

	switch {
	case err == sql.ErrNoRows:
		edge = SkillEdge{FromCap: from, ToCap: to, SuccessRate: observed, DataQuality: dataQuality, Traversals: 1}
	case err != nil:
		return err
	default:
		edge.Traversals++
		edge.SuccessRate = alpha*observed + (1-alpha)*edge.SuccessRate
		edge.DataQuality = alpha*dataQuality + (1-alpha)*edge.DataQuality
	}
	edge.Weight = wSuccess*edge.SuccessRate + wQuality*edge.DataQuality

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO skill_edges
		(from_cap, to_cap, weight, success_rate, data_quality, traversals, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edge.FromCap, edge.ToCap, edge.Weight, edge.SuccessRate,
		edge.DataQuality, edge.Traversals, nowString())
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to update skill edge %s->%s: %v", from, to, err)
	}
	return err
}

// edgesFromLocked queries outgoing edges assuming the caller holds at
// least s.mu.RLock(). Prevents nested RLock acquisition (FindSkillPath ->
// EdgesFrom) which can deadlock if a writer is pending.
func (s *Store) edgesFromLocked(from string) ([]SkillEdge, error) {
	rows, err := s.db.Query(`
		SELECT from_cap, to_cap, weight, success_rate, data_quality, traversals
		FROM skill_edges WHERE from_cap = ? ORDER BY weight DESC`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []SkillEdge
	for rows.Next() {
		var e SkillEdge
		if err := rows.Scan(&e.FromCap, &e.ToCap, &e.Weight, &e.SuccessRate,
			&e.DataQuality, &e.Traversals); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skill edge scan failed: %v", err)
			continue
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// EdgesFrom returns outgoing edges, best weight first.
func (s *Store) EdgesFrom(from string) ([]SkillEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgesFromLocked(from)
}

// FindSkillPath finds a path between two capabilities using BFS, greedy
// by edge weight at each hop. No known path is a normal answer and
// comes back as a nil slice with no error.
func (s *Store) FindSkillPath(from, to string, maxDepth int) ([]SkillEdge, error) {
	timer := logging.StartTimer(logging.CategoryStore, "FindSkillPath")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxDepth <= 0 {
		maxDepth = 5
	}

	type queueItem struct {
		cap   string
		depth int
	}

	// cameFrom maps a node to the edge that reached it; nil marks the
	// start node, absence marks "not visited".
	cameFrom := make(map[string]*SkillEdge)
	queue := []queueItem{{cap: from, depth: 0}}
	cameFrom[from] = nil

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.cap == to {
			path := make([]SkillEdge, current.depth)
			curr := to
			for i := current.depth - 1; i >= 0; i-- {
				edge := cameFrom[curr]
				if edge == nil {
					break
				}
				path[i] = *edge
				curr = edge.FromCap
			}
			logging.StoreDebug("Skill path found: %d hops, visited %d nodes", len(path), len(cameFrom))
			return path, nil
		}

		if current.depth >= maxDepth {
			continue
		}

		edges, err := s.edgesFromLocked(current.cap)
		if err != nil {
			return nil, err
		}

		for _, edge := range edges {
			if _, visited := cameFrom[edge.ToCap]; !visited {
				e := edge
				cameFrom[edge.ToCap] = &e
				queue = append(queue, queueItem{cap: edge.ToCap, depth: current.depth + 1})
			}
		}
	}

	logging.StoreDebug("No skill path from %s to %s (visited %d nodes)", from, to, len(cameFrom))
	return nil, nil
}
