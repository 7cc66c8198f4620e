package engine

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/amirkhaki/interleave/pkg/runtime"
	"github.com/amirkhaki/interleave/pkg/trace"
)

// tailDecisions is how many trailing decisions an aborted run prints.
const tailDecisions = 10

// Report summarizes a run.
type Report struct {
	RunID       string
	Strategy    string
	Description string
	Iterations  int
	Steps       int
	Verdicts    map[runtime.Verdict]int
	// Exhausted is set when the strategy explored everything it could
	// before the iteration budget ran out.
	Exhausted bool
	// Canceled is set when the timeout or the caller stopped the run.
	Canceled bool
	Duration time.Duration
	Bug      *Bug
	// LastTrace holds the decisions of the last iteration run. For a
	// portfolio that failed it is the failing member's.
	LastTrace *trace.Trace
	// Members are the per-member reports of a portfolio run.
	Members []*Report
}

func newReport(runID string, st runtime.Strategy) *Report {
	return &Report{
		RunID:       runID,
		Strategy:    st.Kind().String(),
		Description: st.Description(),
		Verdicts:    make(map[runtime.Verdict]int),
	}
}

func (r *Report) add(res runtime.Result) {
	r.Iterations++
	r.Steps += res.Steps
	r.Verdicts[res.Verdict]++
	r.LastTrace = res.Trace
}

func (r *Report) merge(o *Report) {
	r.Iterations += o.Iterations
	r.Steps += o.Steps
	for v, n := range o.Verdicts {
		r.Verdicts[v] += n
	}
}

// Exit codes of a run.
const (
	ExitOK    = 0
	ExitBug   = 1
	ExitFatal = 2
)

// ExitCode maps the outcome of Run to the process exit code: 0 when no
// violation was found within budget, 1 for a violation and 2 when the run
// was aborted.
func ExitCode(r *Report, err error) int {
	switch {
	case err != nil:
		return ExitFatal
	case r != nil && r.Bug != nil:
		return ExitBug
	}
	return ExitOK
}

// WriteSummary prints a human-readable summary of r and err to w.
func WriteSummary(w io.Writer, r *Report, err error) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", r.RunID)
	fmt.Fprintf(tw, "strategy\t%s\n", r.Description)
	fmt.Fprintf(tw, "iterations\t%d\n", r.Iterations)
	fmt.Fprintf(tw, "steps\t%d\n", r.Steps)
	fmt.Fprintf(tw, "duration\t%s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(tw, "verdicts\t%s\n", formatVerdicts(r.Verdicts))
	switch {
	case r.Exhausted:
		fmt.Fprintf(tw, "search\texhausted\n")
	case r.Canceled:
		fmt.Fprintf(tw, "search\tstopped by timeout\n")
	}
	if b := r.Bug; b != nil {
		fmt.Fprintf(tw, "bug\t%s\n", b.Verdict)
		fmt.Fprintf(tw, "found by\t%s, iteration %d\n", b.Description, b.Iteration)
		if b.Seed != 0 || b.IterationSeed != 0 {
			fmt.Fprintf(tw, "seed\t%d (iteration seed %d)\n", b.Seed, b.IterationSeed)
		}
		fmt.Fprintf(tw, "decisions\t%d\n", b.Trace.Len())
		if b.ArtifactID != "" {
			fmt.Fprintf(tw, "artifact\t%s\n", b.ArtifactID)
		}
		fmt.Fprintf(tw, "error\t%v\n", b.Err)
		for _, d := range errors.GetAllDetails(b.Err) {
			fmt.Fprintf(tw, "\t%s\n", d)
		}
	}
	if err != nil {
		fmt.Fprintf(tw, "aborted\t%v\n", err)
		for _, h := range errors.GetAllHints(err) {
			fmt.Fprintf(tw, "hint\t%s\n", h)
		}
		if n := r.LastTrace.Len(); n > 0 {
			fmt.Fprintf(tw, "last decisions\t%s (%d of %d)\n", formatTail(r.LastTrace, tailDecisions), min(n, tailDecisions), n)
		}
	}
	return tw.Flush()
}

// formatTail renders the last n decisions of t.
func formatTail(t *trace.Trace, n int) string {
	ds := t.Decisions()
	if len(ds) > n {
		ds = ds[len(ds)-n:]
	}
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.String()
	}
	return strings.Join(parts, " ")
}

func formatVerdicts(m map[runtime.Verdict]int) string {
	vs := make([]runtime.Verdict, 0, len(m))
	for v := range m {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%s=%d", v, m[v])
	}
	return strings.Join(parts, " ")
}
