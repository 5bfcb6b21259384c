package flow

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyFlow         = errors.New("flow has no nodes")
	ErrDuplicateNode     = errors.New("duplicate node id")
	ErrDanglingEdge      = errors.New("edge references unknown node")
	ErrUnknownEntry      = errors.New("entry references unknown node")
	ErrUnexpectedLabel   = errors.New("labeled edge on non-branching node")
	ErrInvalidLabel      = errors.New("branch edge must be labeled true or false")
	ErrDuplicateLabel    = errors.New("duplicate branch label")
	ErrFanOut            = errors.New("non-branching node has more than one successor")
	ErrUnterminatedCycle = errors.New("cycle without an element_check")
	ErrMissingBranch     = errors.New("element_check is missing a branch edge")
	ErrMissingNodeID     = errors.New("node has no id")
)

// StructuralError reports a flow that can not be executed as authored.
// A structural error is never retried.
type StructuralError struct {
	NodeID string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.NodeID == "" {
		return "structural error: " + e.Err.Error()
	}
	return fmt.Sprintf("structural error: node %s: %v", e.NodeID, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

func structural(nodeID string, err error) *StructuralError {
	return &StructuralError{NodeID: nodeID, Err: err}
}

// IsStructural reports whether err is or wraps a *StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

type branches struct {
	onTrue, onFalse string
	hasTrue         bool
	hasFalse        bool
}

// Graph is a compiled, executable flow.
type Graph struct {
	Flow  *Flow
	Entry string

	nodes    map[string]*Node
	next     map[string]string
	branches map[string]*branches
}

// Compile checks f for structural soundness and builds its Graph.
func Compile(f *Flow) (*Graph, error) {
	if f == nil || len(f.Nodes) < 1 {
		return nil, structural("", ErrEmptyFlow)
	}
	g := &Graph{
		Flow:     f,
		nodes:    make(map[string]*Node, len(f.Nodes)),
		next:     make(map[string]string),
		branches: make(map[string]*branches),
	}
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.ID == "" {
			return nil, structural("", fmt.Errorf("%w: index %d", ErrMissingNodeID, i))
		}
		if _, ok := g.nodes[n.ID]; ok {
			return nil, structural(n.ID, ErrDuplicateNode)
		}
		if !n.Type.Valid() {
			return nil, structural(n.ID, fmt.Errorf("%w: %s", ErrUnknownNodeType, n.Type))
		}
		if _, err := DecodeConfig(n.Type, n.Config); err != nil {
			return nil, structural(n.ID, err)
		}
		g.nodes[n.ID] = n
	}

	incoming := make(map[string]bool)
	for _, e := range f.Edges {
		from, ok := g.nodes[e.From]
		if !ok {
			return nil, structural(e.From, fmt.Errorf("%w: from %s", ErrDanglingEdge, e.From))
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, structural(e.From, fmt.Errorf("%w: to %s", ErrDanglingEdge, e.To))
		}
		incoming[e.To] = true
		if !from.Type.Branching() {
			if e.Label != "" {
				return nil, structural(e.From, fmt.Errorf("%w: %s", ErrUnexpectedLabel, e.Label))
			}
			if _, ok := g.next[e.From]; ok {
				return nil, structural(e.From, ErrFanOut)
			}
			g.next[e.From] = e.To
			continue
		}
		b := g.branches[e.From]
		if b == nil {
			b = new(branches)
			g.branches[e.From] = b
		}
		switch e.Label {
		case LabelTrue:
			if b.hasTrue {
				return nil, structural(e.From, fmt.Errorf("%w: %s", ErrDuplicateLabel, e.Label))
			}
			b.onTrue, b.hasTrue = e.To, true
		case LabelFalse:
			if b.hasFalse {
				return nil, structural(e.From, fmt.Errorf("%w: %s", ErrDuplicateLabel, e.Label))
			}
			b.onFalse, b.hasFalse = e.To, true
		default:
			return nil, structural(e.From, fmt.Errorf("%w: %q", ErrInvalidLabel, e.Label))
		}
	}

	switch {
	case f.Entry != "":
		if _, ok := g.nodes[f.Entry]; !ok {
			return nil, structural(f.Entry, ErrUnknownEntry)
		}
		g.Entry = f.Entry
	default:
		g.Entry = f.Nodes[0].ID
		for _, n := range f.Nodes {
			if !incoming[n.ID] {
				g.Entry = n.ID
				break
			}
		}
	}

	if id := g.unterminatedCycle(); id != "" {
		return nil, structural(id, ErrUnterminatedCycle)
	}
	return g, nil
}

// unterminatedCycle returns a node on a cycle that passes through no
// branching node, or the empty string if there is none.
// Non-branching nodes have at most one successor so each such cycle is
// found by following next pointers.
func (g *Graph) unterminatedCycle() string {
	const (
		unseen = iota
		active
		done
	)
	state := make(map[string]int, len(g.nodes))
	for _, n := range g.Flow.Nodes {
		if n.Type.Branching() || state[n.ID] != unseen {
			continue
		}
		var path []string
		id := n.ID
		for {
			node := g.nodes[id]
			if node.Type.Branching() || state[id] == done {
				break
			}
			if state[id] == active {
				return id
			}
			state[id] = active
			path = append(path, id)
			next, ok := g.next[id]
			if !ok {
				break
			}
			id = next
		}
		for _, p := range path {
			state[p] = done
		}
	}
	return ""
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Next returns the default successor of a non-branching node.
// The empty string means the node is terminal.
func (g *Graph) Next(id string) string {
	return g.next[id]
}

// Branch returns the successor of a branching node for the decision.
// An element_check without any outgoing edges is terminal.
// An element_check with only the other branch present is a structural error
// when this branch is taken.
func (g *Graph) Branch(id string, decision bool) (string, error) {
	b := g.branches[id]
	if b == nil {
		return "", nil
	}
	switch {
	case decision && b.hasTrue:
		return b.onTrue, nil
	case !decision && b.hasFalse:
		return b.onFalse, nil
	}
	label := LabelFalse
	if decision {
		label = LabelTrue
	}
	return "", structural(id, fmt.Errorf("%w: %s", ErrMissingBranch, label))
}

// Order returns the reachable node IDs in depth-first order from the entry,
// following the default successor, then the true and the false branch.
func (g *Graph) Order() []string {
	seen := make(map[string]bool, len(g.nodes))
	var order []string
	var visit func(string)
	visit = func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
		visit(g.next[id])
		if b := g.branches[id]; b != nil {
			visit(b.onTrue)
			visit(b.onFalse)
		}
	}
	visit(g.Entry)
	return order
}

// Validate is the strict authoring-time check of f.
// In addition to Compile every reachable element_check must declare
// either both branch edges or none.
func Validate(f *Flow) error {
	g, err := Compile(f)
	if err != nil {
		return err
	}
	for _, id := range g.Order() {
		if b := g.branches[id]; b != nil && b.hasTrue != b.hasFalse {
			label := LabelTrue
			if b.hasTrue {
				label = LabelFalse
			}
			return structural(id, fmt.Errorf("%w: %s", ErrMissingBranch, label))
		}
	}
	return nil
}
