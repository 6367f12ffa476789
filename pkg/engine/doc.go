// Package engine implements the test scheduling core: the prerequisite
// graph, the dispatch loop that pairs ready tests with idle targets, and
// the result-collection machinery that unlocks or cancels dependent tests
// as outcomes arrive.
//
// The engine is the sole consumer of the shared response channel. All
// graph and worklist mutation happens on the goroutine that called Run;
// concurrency lives inside the targets, which push results back through
// the channel from their own workers or child processes.
package engine
