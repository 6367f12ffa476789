package engine

import (
	"fmt"
	"testing"
)

// graphDB is a minimal in-memory database for graph construction tests.
type graphDB struct {
	tests     map[string]*Descriptor
	resources map[string]*Descriptor
	order     []string
}

func newGraphDB() *graphDB {
	return &graphDB{
		tests:     make(map[string]*Descriptor),
		resources: make(map[string]*Descriptor),
	}
}

func (d *graphDB) addTest(desc *Descriptor) {
	desc.Kind = DescriptorTest
	d.tests[desc.ID] = desc
	d.order = append(d.order, desc.ID)
}

func (d *graphDB) addResource(desc *Descriptor) {
	desc.Kind = DescriptorResource
	d.resources[desc.ID] = desc
}

func (d *graphDB) GetTest(id string) (*Descriptor, error) {
	desc, ok := d.tests[id]
	if !ok {
		return nil, fmt.Errorf("no such test: %s", id)
	}
	return desc, nil
}

func (d *graphDB) GetResource(id string) (*Descriptor, error) {
	desc, ok := d.resources[id]
	if !ok {
		return nil, fmt.Errorf("no such resource: %s", id)
	}
	return desc, nil
}

func (d *graphDB) TestIDs() []string {
	return d.order
}

func TestBuildGraph_Empty(t *testing.T) {
	g, failures := buildGraph(newGraphDB(), nil)

	if len(g.nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(g.nodes))
	}
	if len(failures) != 0 {
		t.Errorf("Expected 0 failures, got %d", len(failures))
	}
}

func TestBuildGraph_LinearPrerequisites(t *testing.T) {
	db := newGraphDB()
	db.addTest(&Descriptor{ID: "a"})
	db.addTest(&Descriptor{ID: "b", Prerequisites: map[string]Outcome{"a": OutcomePass}})
	db.addTest(&Descriptor{ID: "c", Prerequisites: map[string]Outcome{"b": OutcomePass}})

	g, failures := buildGraph(db, db.TestIDs())

	if len(failures) != 0 {
		t.Fatalf("Expected no failures, got %d", len(failures))
	}
	if len(g.nodes) != 3 {
		t.Fatalf("Expected 3 nodes, got %d", len(g.nodes))
	}

	a := g.nodes[g.index["a"]]
	if a.prereqs != 0 {
		t.Errorf("Expected a to have 0 prereqs, got %d", a.prereqs)
	}
	if len(a.dependents) != 1 || a.dependents[0].node != g.index["b"] {
		t.Errorf("Expected a's dependent to be b, got %+v", a.dependents)
	}

	b := g.nodes[g.index["b"]]
	if b.prereqs != 1 {
		t.Errorf("Expected b to have 1 prereq, got %d", b.prereqs)
	}
	if len(b.dependents) != 1 || b.dependents[0].required != OutcomePass {
		t.Errorf("Expected b's dependent edge to require PASS, got %+v", b.dependents)
	}
}

func TestBuildGraph_LoadFailureExcluded(t *testing.T) {
	db := newGraphDB()
	db.addTest(&Descriptor{ID: "good"})

	g, failures := buildGraph(db, []string{"good", "missing"})

	if len(g.nodes) != 1 {
		t.Fatalf("Expected 1 node, got %d", len(g.nodes))
	}
	if _, ok := g.index["missing"]; ok {
		t.Error("Expected missing test to be excluded from the graph")
	}
	if len(failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(failures))
	}
	f := failures[0]
	if f.Kind != KindTest || f.ID != "missing" {
		t.Errorf("Expected test failure for missing, got %s/%s", f.Kind, f.ID)
	}
	if f.Outcome != OutcomeUntested {
		t.Errorf("Expected UNTESTED, got %s", f.Outcome)
	}
	if f.Cause() != CauseLoadFailure {
		t.Errorf("Expected cause %q, got %q", CauseLoadFailure, f.Cause())
	}
	if f.Annotations[AnnotationError] == "" {
		t.Error("Expected the load error to be annotated")
	}
}

func TestBuildGraph_MissingPrerequisiteIgnored(t *testing.T) {
	db := newGraphDB()
	db.addTest(&Descriptor{ID: "a", Prerequisites: map[string]Outcome{"outside": OutcomePass}})

	g, failures := buildGraph(db, []string{"a"})

	if len(failures) != 0 {
		t.Fatalf("Expected no failures, got %d", len(failures))
	}
	if got := g.nodes[g.index["a"]].prereqs; got != 0 {
		t.Errorf("Expected out-of-run prerequisite to be ignored, got %d prereqs", got)
	}
}

func TestBuildGraph_ResourceInsertedBeforeTest(t *testing.T) {
	db := newGraphDB()
	db.addResource(&Descriptor{ID: "db"})
	db.addTest(&Descriptor{ID: "t1", Resources: []string{"db"}})
	db.addTest(&Descriptor{ID: "t2", Resources: []string{"db"}})

	g, failures := buildGraph(db, db.TestIDs())

	if len(failures) != 0 {
		t.Fatalf("Expected no failures, got %d", len(failures))
	}
	if len(g.nodes) != 3 {
		t.Fatalf("Expected 3 nodes, got %d", len(g.nodes))
	}
	if g.index["db"] >= g.index["t1"] {
		t.Errorf("Expected resource node before first referencing test, got db=%d t1=%d",
			g.index["db"], g.index["t1"])
	}

	rn := g.nodes[g.index["db"]]
	if len(rn.dependents) != 2 {
		t.Fatalf("Expected 2 dependents on the resource, got %d", len(rn.dependents))
	}
	for _, ed := range rn.dependents {
		if ed.required != OutcomePass {
			t.Errorf("Expected resource edge to require PASS, got %s", ed.required)
		}
	}
	if g.nodes[g.index["t1"]].prereqs != 1 {
		t.Errorf("Expected t1 to wait on the resource, got %d prereqs", g.nodes[g.index["t1"]].prereqs)
	}
}

func TestBuildGraph_ResourceLoadFailure(t *testing.T) {
	db := newGraphDB()
	db.addTest(&Descriptor{ID: "t1", Resources: []string{"gone"}})

	g, failures := buildGraph(db, []string{"t1"})

	if len(failures) != 2 {
		t.Fatalf("Expected 2 failures, got %d", len(failures))
	}
	rf := failures[0]
	if rf.Kind != KindResourceSetup || rf.ID != "gone" {
		t.Errorf("Expected resource_setup failure for gone, got %s/%s", rf.Kind, rf.ID)
	}
	if rf.Cause() != CauseResourceFailure {
		t.Errorf("Expected cause %q, got %q", CauseResourceFailure, rf.Cause())
	}

	// The test cannot run without its resource, so it never enters the
	// graph either.
	tf := failures[1]
	if tf.Kind != KindTest || tf.ID != "t1" {
		t.Errorf("Expected test failure for t1, got %s/%s", tf.Kind, tf.ID)
	}
	if tf.Cause() != CauseFailedPrerequisite {
		t.Errorf("Expected cause %q, got %q", CauseFailedPrerequisite, tf.Cause())
	}
	if tf.Annotations[AnnotationPrerequisite] != "gone" {
		t.Errorf("Expected prerequisite annotation gone, got %q", tf.Annotations[AnnotationPrerequisite])
	}
	if len(g.nodes) != 0 {
		t.Errorf("Expected an empty graph, got %d nodes", len(g.nodes))
	}
}

func TestBuildGraph_DuplicateIDsCollapsed(t *testing.T) {
	db := newGraphDB()
	db.addTest(&Descriptor{ID: "a"})

	g, failures := buildGraph(db, []string{"a", "a", "a"})

	if len(failures) != 0 {
		t.Fatalf("Expected no failures, got %d", len(failures))
	}
	if len(g.nodes) != 1 {
		t.Errorf("Expected 1 node for duplicated id, got %d", len(g.nodes))
	}
}
