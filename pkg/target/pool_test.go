package target_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gridtest/gridtest/pkg/engine"
	"github.com/gridtest/gridtest/pkg/target"
)

// fakeDB is an in-memory database for target tests.
type fakeDB struct {
	tests     map[string]*engine.Descriptor
	resources map[string]*engine.Descriptor
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		tests:     make(map[string]*engine.Descriptor),
		resources: make(map[string]*engine.Descriptor),
	}
}

func (d *fakeDB) addTest(id string) *engine.Descriptor {
	desc := &engine.Descriptor{ID: id, Kind: engine.DescriptorTest, Class: "fake"}
	d.tests[id] = desc
	return desc
}

func (d *fakeDB) addResource(id string) *engine.Descriptor {
	desc := &engine.Descriptor{ID: id, Kind: engine.DescriptorResource, Class: "fake"}
	d.resources[id] = desc
	return desc
}

func (d *fakeDB) GetTest(id string) (*engine.Descriptor, error) {
	desc, ok := d.tests[id]
	if !ok {
		return nil, fmt.Errorf("no such test: %s", id)
	}
	return desc, nil
}

func (d *fakeDB) GetResource(id string) (*engine.Descriptor, error) {
	desc, ok := d.resources[id]
	if !ok {
		return nil, fmt.Errorf("no such resource: %s", id)
	}
	return desc, nil
}

func (d *fakeDB) TestIDs() []string {
	ids := make([]string, 0, len(d.tests))
	for id := range d.tests {
		ids = append(ids, id)
	}
	return ids
}

// fakeProvider resolves every descriptor to a unit driven by the run
// function keyed on the unit id.
type fakeProvider struct {
	mu       sync.Mutex
	tests    map[string]func(tctx engine.Context, res *engine.Result)
	setups   map[string]func(tctx engine.Context, res *engine.Result)
	cleanups map[string]func(tctx engine.Context, res *engine.Result)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		tests:    make(map[string]func(engine.Context, *engine.Result)),
		setups:   make(map[string]func(engine.Context, *engine.Result)),
		cleanups: make(map[string]func(engine.Context, *engine.Result)),
	}
}

func (p *fakeProvider) Test(desc *engine.Descriptor) (engine.Test, error) {
	return &fakeUnit{p: p, id: desc.ID}, nil
}

func (p *fakeProvider) Resource(desc *engine.Descriptor) (engine.Resource, error) {
	return &fakeUnit{p: p, id: desc.ID}, nil
}

type fakeUnit struct {
	p  *fakeProvider
	id string
}

func (u *fakeUnit) run(table map[string]func(engine.Context, *engine.Result), tctx engine.Context, res *engine.Result) {
	u.p.mu.Lock()
	fn := table[u.id]
	u.p.mu.Unlock()
	if fn != nil {
		fn(tctx, res)
	}
}

func (u *fakeUnit) Run(_ context.Context, tctx engine.Context, res *engine.Result) {
	u.run(u.p.tests, tctx, res)
}

func (u *fakeUnit) SetUp(_ context.Context, tctx engine.Context, res *engine.Result) {
	u.run(u.p.setups, tctx, res)
}

func (u *fakeUnit) CleanUp(_ context.Context, tctx engine.Context, res *engine.Result) {
	u.run(u.p.cleanups, tctx, res)
}

func TestPool_RunTest(t *testing.T) {
	db := newFakeDB()
	desc := db.addTest("t1")
	provider := newFakeProvider()
	pool := target.NewPool("workers", "linux", 2, db, provider)

	if pool.Name() != "workers" {
		t.Errorf("Expected name workers, got %s", pool.Name())
	}
	if !pool.IsInGroup("") || !pool.IsInGroup("linux") || pool.IsInGroup("windows") {
		t.Error("Expected group matching on empty and own group only")
	}

	responses := make(chan *engine.Result, 4)
	if err := pool.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := pool.RunTest(desc, engine.Context{"k": "v"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	res := <-responses
	if res.Kind != engine.KindTest || res.ID != "t1" {
		t.Errorf("Expected a test result for t1, got %s/%s", res.Kind, res.ID)
	}
	if res.Outcome != engine.OutcomePass {
		t.Errorf("Expected PASS, got %s", res.Outcome)
	}
	if res.Target != "workers" {
		t.Errorf("Expected the target name on the result, got %q", res.Target)
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestPool_RejectsBeforeStart(t *testing.T) {
	db := newFakeDB()
	desc := db.addTest("t1")
	pool := target.NewPool("p", "", 1, db, newFakeProvider())

	if pool.IsIdle() {
		t.Error("Expected a stopped pool to report not idle")
	}
	err := pool.RunTest(desc, nil)
	if err == nil {
		t.Fatal("Expected an error before Start, got nil")
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeTargetStopped {
		t.Errorf("Expected code %s, got: %v", engine.ErrCodeTargetStopped, err)
	}
}

func TestPool_StartTwice(t *testing.T) {
	db := newFakeDB()
	pool := target.NewPool("p", "", 1, db, newFakeProvider())
	responses := make(chan *engine.Result, 1)

	if err := pool.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer pool.Stop()

	if err := pool.Start(responses); err == nil {
		t.Fatal("Expected an error on double Start, got nil")
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	db := newFakeDB()
	provider := newFakeProvider()
	gate := make(chan struct{})
	var descs []*engine.Descriptor
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		descs = append(descs, db.addTest(id))
		provider.tests[id] = func(_ engine.Context, _ *engine.Result) {
			<-gate
		}
	}
	pool := target.NewPool("p", "", 1, db, provider)

	responses := make(chan *engine.Result, 8)
	if err := pool.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, desc := range descs {
		if err := pool.RunTest(desc, nil); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	close(gate)
	if err := pool.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Every assignment accepted before Stop still produced a result.
	if len(responses) != 5 {
		t.Errorf("Expected 5 results after Stop, got %d", len(responses))
	}
}

func TestPool_IsIdleAccounting(t *testing.T) {
	db := newFakeDB()
	provider := newFakeProvider()
	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, id := range []string{"a", "b"} {
		db.addTest(id)
		provider.tests[id] = func(_ engine.Context, _ *engine.Result) {
			started <- struct{}{}
			<-gate
		}
	}
	pool := target.NewPool("p", "", 2, db, provider)

	responses := make(chan *engine.Result, 4)
	if err := pool.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !pool.IsIdle() {
		t.Error("Expected an empty pool to be idle")
	}

	da, _ := db.GetTest("a")
	dbDesc, _ := db.GetTest("b")
	if err := pool.RunTest(da, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := pool.RunTest(dbDesc, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started
	<-started
	if pool.IsIdle() {
		t.Error("Expected a saturated pool to report not idle")
	}

	close(gate)
	<-responses
	<-responses
	// In-flight accounting is dropped before the result is published, so
	// the freed capacity is visible by the time the result is.
	if !pool.IsIdle() {
		t.Error("Expected the pool to be idle again after both results")
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestPool_PanicBecomesError(t *testing.T) {
	db := newFakeDB()
	desc := db.addTest("boom")
	provider := newFakeProvider()
	provider.tests["boom"] = func(_ engine.Context, _ *engine.Result) {
		panic("kaboom")
	}
	pool := target.NewPool("p", "", 1, db, provider)

	responses := make(chan *engine.Result, 1)
	if err := pool.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer pool.Stop()

	if err := pool.RunTest(desc, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := <-responses
	if res.Outcome != engine.OutcomeError {
		t.Errorf("Expected a panic to become ERROR, got %s", res.Outcome)
	}
	if res.Annotations[engine.AnnotationError] == "" {
		t.Error("Expected the panic to be annotated")
	}
}

func TestPool_UnknownResourceIsUntested(t *testing.T) {
	db := newFakeDB()
	pool := target.NewPool("p", "", 1, db, newFakeProvider())

	responses := make(chan *engine.Result, 1)
	if err := pool.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer pool.Stop()

	if err := pool.SetUpResource("missing", nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := <-responses
	if res.Kind != engine.KindResourceSetup {
		t.Errorf("Expected a resource_setup result, got %s", res.Kind)
	}
	if res.Outcome != engine.OutcomeUntested {
		t.Errorf("Expected UNTESTED, got %s", res.Outcome)
	}
	if res.Cause() != engine.CauseResourceFailure {
		t.Errorf("Expected cause %q, got %q", engine.CauseResourceFailure, res.Cause())
	}
}

func TestSerial_RunsOneAtATime(t *testing.T) {
	db := newFakeDB()
	provider := newFakeProvider()

	var inFlight, maxInFlight atomic.Int32
	var descs []*engine.Descriptor
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("t%d", i)
		descs = append(descs, db.addTest(id))
		provider.tests[id] = func(_ engine.Context, _ *engine.Result) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			inFlight.Add(-1)
		}
	}
	serial := target.NewSerial("s", "", db, provider)

	responses := make(chan *engine.Result, 16)
	if err := serial.Start(responses); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, desc := range descs {
		if err := serial.RunTest(desc, nil); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if err := serial.Stop(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(responses) != 10 {
		t.Fatalf("Expected 10 results, got %d", len(responses))
	}
	if maxInFlight.Load() != 1 {
		t.Errorf("Expected at most 1 assignment in flight, saw %d", maxInFlight.Load())
	}
}
