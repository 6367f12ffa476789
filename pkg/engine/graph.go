package engine

import "sort"

// The prerequisite graph is an arena of nodes indexed by position. Each
// node carries a live count of unresolved prerequisites and the edges to
// the nodes that depend on it. The arena is built once per run, mutated
// only by the engine goroutine, and discarded when the run ends.

// depEdge is one dependency edge: the dependent node and the outcome the
// prerequisite must produce for the dependent to stay runnable.
type depEdge struct {
	node     int
	required Outcome
}

type graphNode struct {
	desc *Descriptor

	// prereqs is the number of prerequisites that have not yet produced a
	// result. It never goes negative and reaches zero exactly once.
	prereqs int

	// dependents are the edges to notify when this node completes.
	dependents []depEdge

	// pending is true while the node has not been dispatched or resolved.
	pending bool
}

type graph struct {
	nodes []graphNode
	index map[string]int
}

// buildGraph loads the descriptors for the requested test ids and
// assembles the prerequisite graph. Tests that fail to load are excluded
// from the graph and reported as synthesized UNTESTED results; their
// prerequisite edges are dropped, as are prerequisites referencing ids
// outside the run. Resources referenced by a test are folded in as nodes
// whose setup must PASS, placed ahead of the first test that uses them.
func buildGraph(db Database, ids []string) (*graph, []*Result) {
	g := &graph{index: make(map[string]int, len(ids))}
	var failures []*Result

	add := func(desc *Descriptor) int {
		idx := len(g.nodes)
		g.nodes = append(g.nodes, graphNode{desc: desc, pending: true})
		g.index[desc.ID] = idx
		return idx
	}

	failed := make(map[string]bool)
	for _, id := range ids {
		if _, ok := g.index[id]; ok {
			continue
		}
		if failed[id] {
			continue
		}
		desc, err := db.GetTest(id)
		if err != nil {
			failed[id] = true
			res := NewResult(KindTest, id)
			res.Outcome = OutcomeUntested
			res.Annotate(AnnotationCause, CauseLoadFailure)
			res.Annotate(AnnotationError, err.Error())
			failures = append(failures, res)
			continue
		}
		blockedBy := ""
		for _, rid := range desc.Resources {
			if failed[rid] {
				blockedBy = rid
				continue
			}
			if _, ok := g.index[rid]; ok {
				continue
			}
			rdesc, err := db.GetResource(rid)
			if err != nil {
				failed[rid] = true
				blockedBy = rid
				res := NewResult(KindResourceSetup, rid)
				res.Outcome = OutcomeUntested
				res.Annotate(AnnotationCause, CauseResourceFailure)
				res.Annotate(AnnotationError, err.Error())
				failures = append(failures, res)
				continue
			}
			add(rdesc)
		}
		if blockedBy != "" {
			// A required resource never made it into the run; the test can
			// never legitimately execute.
			failed[desc.ID] = true
			res := NewResult(KindTest, desc.ID)
			res.Outcome = OutcomeUntested
			res.Annotate(AnnotationCause, CauseFailedPrerequisite)
			res.Annotate(AnnotationPrerequisite, blockedBy)
			res.Annotate(AnnotationPrerequisiteOutcome, string(OutcomeUntested))
			res.Annotate(AnnotationPrerequisiteExpected, string(OutcomePass))
			failures = append(failures, res)
			continue
		}
		add(desc)
	}

	for idx := range g.nodes {
		desc := g.nodes[idx].desc
		prereqIDs := make([]string, 0, len(desc.Prerequisites))
		for pid := range desc.Prerequisites {
			prereqIDs = append(prereqIDs, pid)
		}
		sort.Strings(prereqIDs)
		for _, pid := range prereqIDs {
			required := desc.Prerequisites[pid]
			pi, ok := g.index[pid]
			if !ok {
				// Prerequisite is not part of this run; it cannot gate
				// anything.
				continue
			}
			g.nodes[pi].dependents = append(g.nodes[pi].dependents, depEdge{node: idx, required: required})
			g.nodes[idx].prereqs++
		}
		for _, rid := range desc.Resources {
			ri, ok := g.index[rid]
			if !ok {
				continue
			}
			g.nodes[ri].dependents = append(g.nodes[ri].dependents, depEdge{node: idx, required: OutcomePass})
			g.nodes[idx].prereqs++
		}
	}

	return g, failures
}

// resultKindFor returns the kind of result the node produces when it is
// resolved without running (the setup kind for resources).
func resultKindFor(desc *Descriptor) ResultKind {
	if desc.IsResource() {
		return KindResourceSetup
	}
	return KindTest
}
