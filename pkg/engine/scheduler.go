package engine

import (
	"fmt"
	"strings"

	"github.com/openfroyo/stackforge/pkg/errdefs"
)

// NodeKind distinguishes the two kinds of composite children.
type NodeKind string

const (
	// NodeSubcomponent is a subcomponent.
	NodeSubcomponent NodeKind = "subcomponent"

	// NodeConnector is a connector.
	NodeConnector NodeKind = "connector"
)

// Node is one direct child of a composite in emission order.
type Node struct {
	Kind NodeKind `json:"kind"`
	Name string   `json:"name"`
}

// scheduler orders the children of one composite.
type scheduler struct {
	comp     *CompositeInstance
	visited  map[string]bool
	recStack map[string]bool
	order    []Node
}

// Schedule orders the subcomponents and connectors of comp so that, for
// every connector, the subcomponents it forwards to come before it and the
// connector comes before the subcomponents that feed it. Roots are the
// connectors without inputs followed by the subcomponents no connector
// forwards to; the rest is visited in declaration order.
func Schedule(comp *CompositeInstance) ([]Node, error) {
	s := &scheduler{
		comp:     comp,
		visited:  make(map[string]bool),
		recStack: make(map[string]bool),
	}

	var starts []Node
	for _, name := range comp.Connectors.Keys() {
		conn, _ := comp.Connectors.Get(name)
		if len(conn.Inputs) == 0 {
			starts = append(starts, Node{Kind: NodeConnector, Name: name})
		}
	}
	for _, name := range comp.Subcomponents.Keys() {
		if !s.isOutputTarget(name) {
			starts = append(starts, Node{Kind: NodeSubcomponent, Name: name})
		}
	}
	for _, name := range comp.Subcomponents.Keys() {
		starts = append(starts, Node{Kind: NodeSubcomponent, Name: name})
	}
	for _, name := range comp.Connectors.Keys() {
		starts = append(starts, Node{Kind: NodeConnector, Name: name})
	}

	for _, n := range starts {
		if s.visited[n.Name] {
			continue
		}
		if cycle := s.visit(n, nil); cycle != nil {
			return nil, errdefs.Newf(errdefs.KindCyclicReference,
				"circular wiring detected: %s", formatCycle(cycle)).WithPath(comp.Path())
		}
	}

	return s.order, nil
}

// visit appends n after every node it forwards to. It returns the cycle
// path when a node still in progress is reached again.
func (s *scheduler) visit(n Node, path []string) []string {
	s.visited[n.Name] = true
	s.recStack[n.Name] = true
	path = append(path, n.Name)

	for _, next := range s.targets(n) {
		if !s.visited[next.Name] {
			if cycle := s.visit(next, path); cycle != nil {
				return cycle
			}
		} else if s.recStack[next.Name] {
			for i, name := range path {
				if name == next.Name {
					return append(append([]string(nil), path[i:]...), next.Name)
				}
			}
		}
	}

	s.recStack[n.Name] = false
	s.order = append(s.order, n)
	return nil
}

// targets returns the forward targets of n: the connectors consuming a
// subcomponent's outputs, or the subcomponents a connector forwards to.
func (s *scheduler) targets(n Node) []Node {
	var out []Node
	seen := make(map[string]bool)

	switch n.Kind {
	case NodeSubcomponent:
		for _, name := range s.comp.Connectors.Keys() {
			conn, _ := s.comp.Connectors.Get(name)
			for _, in := range conn.Inputs {
				if in.Subcomponent == n.Name && !seen[name] {
					seen[name] = true
					out = append(out, Node{Kind: NodeConnector, Name: name})
				}
			}
		}
	case NodeConnector:
		conn, _ := s.comp.Connectors.Get(n.Name)
		for _, o := range conn.Outputs {
			if !seen[o.Subcomponent] {
				seen[o.Subcomponent] = true
				out = append(out, Node{Kind: NodeSubcomponent, Name: o.Subcomponent})
			}
		}
	}

	return out
}

func (s *scheduler) isOutputTarget(name string) bool {
	for _, cname := range s.comp.Connectors.Keys() {
		conn, _ := s.comp.Connectors.Get(cname)
		for _, o := range conn.Outputs {
			if o.Subcomponent == name {
				return true
			}
		}
	}
	return false
}

// ToDOT renders the wiring of comp in DOT format, numbering each node with
// its position in the schedule. The output can be rendered with Graphviz.
func ToDOT(comp *CompositeInstance) (string, error) {
	order, err := Schedule(comp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("digraph %q {\n", comp.Path()))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, n := range order {
		switch n.Kind {
		case NodeSubcomponent:
			sub, _ := comp.Subcomponents.Get(n.Name)
			sb.WriteString(fmt.Sprintf("  %q [label=\"%d. %s\\n%s\"];\n", n.Name, i+1, n.Name, sub.Type))
		case NodeConnector:
			conn, _ := comp.Connectors.Get(n.Name)
			sb.WriteString(fmt.Sprintf("  %q [label=\"%d. %s\\n%s\", shape=ellipse, style=%s];\n",
				n.Name, i+1, n.Name, conn.Type, connectorStyle(conn.Kind)))
		}
	}
	sb.WriteString("\n")

	for _, name := range comp.Connectors.Keys() {
		conn, _ := comp.Connectors.Get(name)
		for _, in := range conn.Inputs {
			sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", in.Subcomponent, name, in.Endpoint))
		}
		for _, out := range conn.Outputs {
			sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", name, out.Subcomponent, out.Endpoint))
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

func connectorStyle(kind ConnectorKind) string {
	switch kind {
	case ConnectorLink:
		return "dashed"
	case ConnectorImported:
		return "bold"
	default:
		return "solid"
	}
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
