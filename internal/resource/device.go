// Package resource tracks per-device execution slots and reserves them for
// jobs.
//
// A device is a set of slots (qubits) with an undirected connectivity graph
// and a per-slot fidelity estimate. The Tracker owns the mutable reservation
// state of every device behind a per-device lock; the Allocator searches that
// state for a placement and reserves it atomically.
package resource

import (
	"errors"
	"fmt"
	"slices"
)

// Edge is an undirected connection between two slots.
type Edge [2]int

// Device describes a device's static shape. Fidelity is optional; missing
// entries default to 1.
type Device struct {
	ID       string    `json:"id" yaml:"id"`
	Slots    int       `json:"slots" yaml:"slots"`
	Edges    []Edge    `json:"edges" yaml:"edges"`
	Fidelity []float64 `json:"fidelity,omitempty" yaml:"fidelity"`
}

// Validate checks the device description.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device id is required")
	}
	if d.Slots < 1 {
		return fmt.Errorf("device %s: slot count must be positive", d.ID)
	}
	for _, e := range d.Edges {
		if e[0] < 0 || e[0] >= d.Slots || e[1] < 0 || e[1] >= d.Slots {
			return fmt.Errorf("device %s: edge %v out of range", d.ID, e)
		}
		if e[0] == e[1] {
			return fmt.Errorf("device %s: self loop on slot %d", d.ID, e[0])
		}
	}
	if len(d.Fidelity) > d.Slots {
		return fmt.Errorf("device %s: %d fidelity entries for %d slots", d.ID, len(d.Fidelity), d.Slots)
	}
	for i, f := range d.Fidelity {
		if f < 0 || f > 1 {
			return fmt.Errorf("device %s: fidelity of slot %d out of [0,1]", d.ID, i)
		}
	}
	return nil
}

// Graph is an adjacency list view of a device's connectivity.
type Graph struct {
	adj [][]int
}

// NewGraph builds a deduplicated adjacency list.
func NewGraph(slots int, edges []Edge) *Graph {
	adj := make([][]int, slots)
	for _, e := range edges {
		a, b := e[0], e[1]
		if !slices.Contains(adj[a], b) {
			adj[a] = append(adj[a], b)
			adj[b] = append(adj[b], a)
		}
	}
	for i := range adj {
		slices.Sort(adj[i])
	}
	return &Graph{adj: adj}
}

// Len returns the number of slots.
func (g *Graph) Len() int { return len(g.adj) }

// Neighbors returns the slots adjacent to v.
func (g *Graph) Neighbors(v int) []int { return g.adj[v] }

// Degree returns the number of slots adjacent to v.
func (g *Graph) Degree(v int) int { return len(g.adj[v]) }

// Adjacent reports whether a and b share an edge.
func (g *Graph) Adjacent(a, b int) bool {
	_, found := slices.BinarySearch(g.adj[a], b)
	return found
}

// Unreachable is returned by distance queries when no path exists.
const Unreachable = -1

// DistanceFrom returns, for every slot, the hop count to the nearest slot
// in sources, or Unreachable.
func (g *Graph) DistanceFrom(sources []int) []int {
	dist := make([]int, len(g.adj))
	for i := range dist {
		dist[i] = Unreachable
	}
	queue := make([]int, 0, len(g.adj))
	for _, s := range sources {
		if dist[s] == Unreachable {
			dist[s] = 0
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, n := range g.adj[v] {
			if dist[n] == Unreachable {
				dist[n] = dist[v] + 1
				queue = append(queue, n)
			}
		}
	}
	return dist
}

// SetDistance returns the minimum hop count between any slot of a and any
// slot of b, or Unreachable.
func (g *Graph) SetDistance(a, b []int) int {
	if len(a) == 0 || len(b) == 0 {
		return Unreachable
	}
	return minOver(g.DistanceFrom(a), b)
}

// Within returns the slots at distance 1..radius from sources, ascending.
func (g *Graph) Within(sources []int, radius int) []int {
	if radius < 1 {
		return nil
	}
	var out []int
	for v, d := range g.DistanceFrom(sources) {
		if d > 0 && d <= radius {
			out = append(out, v)
		}
	}
	return out
}

// minOver returns the smallest reachable distance among slots, or Unreachable.
func minOver(dist []int, slots []int) int {
	best := Unreachable
	for _, v := range slots {
		if d := dist[v]; d != Unreachable && (best == Unreachable || d < best) {
			best = d
		}
	}
	return best
}

// FullEdges returns the edges of a complete graph on n slots.
func FullEdges(n int) []Edge {
	var edges []Edge
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			edges = append(edges, Edge{i, j})
		}
	}
	return edges
}

// LinearEdges returns the edges of a chain 0-1-...-(n-1).
func LinearEdges(n int) []Edge {
	var edges []Edge
	for i := 0; i+1 < n; i++ {
		edges = append(edges, Edge{i, i + 1})
	}
	return edges
}

// RingEdges returns the edges of a cycle on n slots.
func RingEdges(n int) []Edge {
	edges := LinearEdges(n)
	if n > 2 {
		edges = append(edges, Edge{n - 1, 0})
	}
	return edges
}

// GridEdges returns the edges of a rows x cols lattice, slots numbered row
// major.
func GridEdges(rows, cols int) []Edge {
	var edges []Edge
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := r*cols + c
			if c+1 < cols {
				edges = append(edges, Edge{v, v + 1})
			}
			if r+1 < rows {
				edges = append(edges, Edge{v, v + cols})
			}
		}
	}
	return edges
}
