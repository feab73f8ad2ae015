// Package trace assembles stored spans into parent/child trees.
package trace

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ollyllm/ollyllm/internal/model"
)

// Node is a span with its children ordered by start time.
type Node struct {
	Span     model.Span
	Children []*Node
}

// Forest is the tree view of one trace.
type Forest struct {
	// Roots are spans with no parent.
	Roots []*Node
	// Orphans are spans whose parent is not among the spans the forest was
	// built from. Their subtrees hang off them, so they double as secondary
	// roots. The parent may still exist in another trace.
	Orphans []*Node
	// Detached are spans caught in a parent cycle and unreachable from any
	// root or orphan.
	Detached []model.Span
}

// Len returns the number of spans reachable from roots and orphans.
func (f Forest) Len() int {
	n := 0
	f.Walk(func(*Node, int) { n++ })
	return n
}

// Walk visits every reachable node depth-first, roots before orphans.
func (f Forest) Walk(fn func(n *Node, depth int)) {
	var visit func(n *Node, depth int)
	visit = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	for _, r := range f.Roots {
		visit(r, 0)
	}
	for _, o := range f.Orphans {
		visit(o, 0)
	}
}

// String renders the forest as an indented outline.
func (f Forest) String() string {
	var sb strings.Builder
	f.Walk(func(n *Node, depth int) {
		fmt.Fprintf(&sb, "%s%s %s", strings.Repeat("  ", depth), n.Span.ID, n.Span.OperationName)
		if n.Span.ParentID != "" && depth == 0 {
			fmt.Fprintf(&sb, " (parent %s not in trace)", n.Span.ParentID)
		}
		sb.WriteByte('\n')
	})
	return sb.String()
}

// BuildForest links spans by parent id. Input order does not matter; siblings
// are ordered by start time then id. Duplicate ids keep the first occurrence.
func BuildForest(spans []model.Span) Forest {
	nodes := make(map[string]*Node, len(spans))
	order := make([]*Node, 0, len(spans))
	for _, s := range spans {
		if _, dup := nodes[s.ID]; dup {
			continue
		}
		n := &Node{Span: s}
		nodes[s.ID] = n
		order = append(order, n)
	}

	var f Forest
	for _, n := range order {
		switch parent, ok := nodes[n.Span.ParentID]; {
		case n.Span.IsRoot():
			f.Roots = append(f.Roots, n)
		case !ok:
			f.Orphans = append(f.Orphans, n)
		default:
			parent.Children = append(parent.Children, n)
		}
	}

	byStart := func(a, b *Node) int {
		if c := a.Span.StartedAt.Compare(b.Span.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Span.ID, b.Span.ID)
	}
	slices.SortFunc(f.Roots, byStart)
	slices.SortFunc(f.Orphans, byStart)
	for _, n := range order {
		slices.SortFunc(n.Children, byStart)
	}

	reached := make(map[string]bool, len(order))
	f.Walk(func(n *Node, _ int) { reached[n.Span.ID] = true })
	for _, n := range order {
		if !reached[n.Span.ID] {
			f.Detached = append(f.Detached, n.Span)
		}
	}
	return f
}

// Reader is the storage surface the trace service needs.
type Reader interface {
	GetTrace(ctx context.Context, traceID string) ([]model.Span, error)
	FindOrphanSpans(ctx context.Context, traceID string) ([]model.Span, error)
	GetTraceLogs(ctx context.Context, traceID string) ([]model.Log, error)
}

// Trace is one stored trace.
type Trace struct {
	// Spans are ordered by start time.
	Spans  []model.Span
	Forest Forest
	// OrphanIDs name spans whose parent is not stored in any trace.
	OrphanIDs []string
	// Logs is only loaded on request.
	Logs []model.Log
}

// Service loads traces and assembles them into forests.
type Service struct {
	db Reader
}

// NewService creates a trace service over db.
func NewService(db Reader) *Service {
	return &Service{db: db}
}

// Get loads traceID with its orphans, and its log lines when withLogs is set.
// Storage errors are returned unwrapped so callers can classify them.
func (s *Service) Get(ctx context.Context, traceID string, withLogs bool) (Trace, error) {
	spans, err := s.db.GetTrace(ctx, traceID)
	if err != nil {
		return Trace{}, err
	}
	orphans, err := s.db.FindOrphanSpans(ctx, traceID)
	if err != nil {
		return Trace{}, err
	}

	// Spans stored after the first read are left out of both lists.
	loaded := make(map[string]bool, len(spans))
	for _, sp := range spans {
		loaded[sp.ID] = true
	}
	tr := Trace{Spans: spans, Forest: BuildForest(spans)}
	for _, o := range orphans {
		if loaded[o.ID] {
			tr.OrphanIDs = append(tr.OrphanIDs, o.ID)
		}
	}

	if withLogs {
		if tr.Logs, err = s.db.GetTraceLogs(ctx, traceID); err != nil {
			return Trace{}, err
		}
	}
	return tr, nil
}
