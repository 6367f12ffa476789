// Package streams provides the builtin result streams: a human-readable
// text summary, a JSON-lines record file, and a bridge into the run
// history store.
package streams

import (
	"fmt"
	"io"

	"github.com/gridtest/gridtest/pkg/engine"
)

// summaryOutcomeOrder fixes the order outcomes appear in summaries.
var summaryOutcomeOrder = []engine.Outcome{
	engine.OutcomePass,
	engine.OutcomeFail,
	engine.OutcomeError,
	engine.OutcomeUntested,
}

// TextStream writes results and a closing summary as plain text. Only
// units that did not pass are itemized; the summary counts everything.
type TextStream struct {
	w       io.Writer
	verbose bool

	counts  map[engine.Outcome]int
	flagged []*engine.Result
}

// NewTextStream creates a text stream. With verbose set, passing results
// are reported as well.
func NewTextStream(w io.Writer, verbose bool) *TextStream {
	return &TextStream{
		w:       w,
		verbose: verbose,
		counts:  make(map[engine.Outcome]int),
	}
}

// WriteResult reports one result.
func (s *TextStream) WriteResult(r *engine.Result) error {
	if r.Kind == engine.KindTest {
		s.counts[r.Outcome]++
	}

	if r.Outcome == engine.OutcomePass && !s.verbose {
		return nil
	}
	if r.Outcome != engine.OutcomePass {
		s.flagged = append(s.flagged, r)
	}

	if _, err := fmt.Fprintf(s.w, "%-8s %-16s %s\n", r.Outcome, r.Kind, r.ID); err != nil {
		return err
	}
	if cause := r.Cause(); cause != "" {
		if _, err := fmt.Fprintf(s.w, "         %s\n", cause); err != nil {
			return err
		}
	}
	return nil
}

// Summarize writes the closing summary.
func (s *TextStream) Summarize() error {
	total := 0
	for _, n := range s.counts {
		total += n
	}

	if _, err := fmt.Fprintf(s.w, "\n%d tests total\n", total); err != nil {
		return err
	}
	for _, o := range summaryOutcomeOrder {
		if n := s.counts[o]; n > 0 {
			if _, err := fmt.Fprintf(s.w, "  %-8s %d\n", o, n); err != nil {
				return err
			}
		}
	}

	if len(s.flagged) == 0 {
		return nil
	}

	if _, err := fmt.Fprintf(s.w, "\nunits that did not pass:\n"); err != nil {
		return err
	}
	for _, r := range s.flagged {
		line := fmt.Sprintf("  %-8s %s", r.Outcome, r.ID)
		if cause := r.Cause(); cause != "" {
			line += " (" + cause + ")"
		}
		if _, err := fmt.Fprintln(s.w, line); err != nil {
			return err
		}
	}
	return nil
}
