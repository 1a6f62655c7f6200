package repository

import "sort"

// NodeKind tells guidelines and journey steps apart.
type NodeKind string

const (
	KindGuideline NodeKind = "guideline"
	KindStep      NodeKind = "step"
)

// StepSeparator joins a journey id and a step id into a node id.
const StepSeparator = "/"

// StepNodeID returns the graph id of a journey step.
func StepNodeID(journeyID, stepID string) string {
	return journeyID + StepSeparator + stepID
}

// Node is a guideline or a journey step in the relationship graph.
type Node struct {
	ID        string
	Kind      NodeKind
	Order     int // declaration order across guidelines then steps
	Condition string
	Action    string
	Tools     []ToolAttachment

	// Guideline only.
	Once     bool
	Journeys []string
	Sustains []string

	// Step only.
	JourneyID  string
	StepID     string
	StepIndex  int
	Completion string
}

// Graph is the compiled relationship graph of one agent version.
// It is immutable after compilation.
type Graph struct {
	nodes map[string]*Node
	order []string

	// priority[a] lists nodes a is directly prioritized over.
	priority map[string][]string
	// depends[a] lists dependency groups of a; a group is satisfied
	// when any member is present.
	depends   map[string][][]string
	exclusive map[string][]string
	// outranks[a][b] is true when a priority path leads from a to b.
	outranks map[string]map[string]bool
}

func newGraph() *Graph {
	return &Graph{
		nodes:     make(map[string]*Node),
		priority:  make(map[string][]string),
		depends:   make(map[string][][]string),
		exclusive: make(map[string][]string),
	}
}

func (g *Graph) add(n *Node) {
	n.Order = len(g.order)
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// IDs returns all node ids in declaration order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Order returns the declaration index of id, or -1.
func (g *Graph) Order(id string) int {
	if n, ok := g.nodes[id]; ok {
		return n.Order
	}
	return -1
}

// PrioritizedOver returns the nodes id directly outranks.
func (g *Graph) PrioritizedOver(id string) []string { return g.priority[id] }

// Dependencies returns the dependency groups of id.
func (g *Graph) Dependencies(id string) [][]string { return g.depends[id] }

// ExclusiveWith returns the nodes mutually exclusive with id.
func (g *Graph) ExclusiveWith(id string) []string { return g.exclusive[id] }

// Outranks reports whether a priority path leads from a to b.
func (g *Graph) Outranks(a, b string) bool {
	return g.outranks[a][b]
}

// Less orders ids by declaration order, then id.
func (g *Graph) Less(a, b string) bool {
	oa, ob := g.Order(a), g.Order(b)
	if oa != ob {
		if oa < 0 {
			return false
		}
		if ob < 0 {
			return true
		}
		return oa < ob
	}
	return a < b
}

// Sort sorts ids in place by declaration order.
func (g *Graph) Sort(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return g.Less(ids[i], ids[j]) })
}

func (g *Graph) computeReachability() {
	g.outranks = make(map[string]map[string]bool, len(g.nodes))
	for _, id := range g.order {
		seen := make(map[string]bool)
		stack := append([]string(nil), g.priority[id]...)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[n] {
				continue
			}
			seen[n] = true
			stack = append(stack, g.priority[n]...)
		}
		g.outranks[id] = seen
	}
}

// findCycle returns one cycle over priority and dependency edges, or nil.
// Traversal follows declaration order so the reported path is stable.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		path = append(path, id)
		for _, next := range g.successors(id) {
			switch color[next] {
			case grey:
				for i, p := range path {
					if p == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

func (g *Graph) successors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range g.priority[id] {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, group := range g.depends[id] {
		for _, n := range group {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	g.Sort(out)
	return out
}
