// Package ui renders CLI output: styled when attached to a terminal,
// plain when piped.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/localdb-dev/localdb/internal/backfill"
	"github.com/localdb-dev/localdb/internal/search"
	"github.com/localdb-dev/localdb/internal/store"
)

// Renderer writes human-facing output.
type Renderer struct {
	out    io.Writer
	styles Styles
}

// NewRenderer auto-detects terminal capability on stdout.
func NewRenderer() *Renderer {
	styled := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return NewRendererTo(os.Stdout, styled)
}

// NewRendererTo writes to out; styled selects the color palette.
func NewRendererTo(out io.Writer, styled bool) *Renderer {
	return &Renderer{out: out, styles: GetStyles(!styled)}
}

// Results prints merged search results with scores and source tags.
func (r *Renderer) Results(query string, results []search.Result) {
	if len(results) == 0 {
		fmt.Fprintln(r.out, r.styles.Dim.Render("no results for "+fmt.Sprintf("%q", query)))
		return
	}

	fmt.Fprintln(r.out, r.styles.Header.Render(fmt.Sprintf("%d results for %q", len(results), query)))
	for i, res := range results {
		tags := make([]string, 0, len(res.Sources))
		for _, s := range res.Sources {
			tags = append(tags, string(s))
		}
		sort.Strings(tags)
		fmt.Fprintf(r.out, "%2d. %s  %s  %s\n",
			i+1,
			r.styles.Success.Render(fmt.Sprintf("%.4f", res.Score)),
			res.ID,
			r.styles.Dim.Render("["+strings.Join(tags, ",")+"]"))
	}
}

// BackfillStats prints a run summary.
func (r *Renderer) BackfillStats(stats backfill.Stats, elapsed time.Duration) {
	fmt.Fprintln(r.out, r.styles.Header.Render("backfill complete"))
	fmt.Fprintf(r.out, "  %s %d\n", r.styles.Label.Render("ready:"), stats.Ready)
	fmt.Fprintf(r.out, "  %s %d\n", r.styles.Label.Render("failed:"), stats.Failed)
	fmt.Fprintf(r.out, "  %s %d\n", r.styles.Label.Render("cache hits:"), stats.CacheHits)
	fmt.Fprintf(r.out, "  %s %d\n", r.styles.Label.Render("provider calls:"), stats.ProviderCalls)
	fmt.Fprintf(r.out, "  %s %s\n", r.styles.Label.Render("elapsed:"), elapsed.Round(time.Millisecond))
	if stats.Failed > 0 {
		fmt.Fprintln(r.out, r.styles.Warning.Render("some rows failed; re-run backfill to retry"))
	}
}

// StatusCounts prints the embedding status breakdown.
func (r *Renderer) StatusCounts(counts map[store.EmbeddingStatus]int, activeIndex string, serving int) {
	fmt.Fprintln(r.out, r.styles.Header.Render("embedding status"))
	for _, status := range []store.EmbeddingStatus{
		store.StatusNew, store.StatusInProgress, store.StatusReady, store.StatusError,
	} {
		style := r.styles.Label
		if status == store.StatusError && counts[status] > 0 {
			style = r.styles.Error
		}
		fmt.Fprintf(r.out, "  %s %d\n", style.Render(string(status)+":"), counts[status])
	}
	fmt.Fprintf(r.out, "  %s %d\n", r.styles.Label.Render("serving vectors:"), serving)
	if activeIndex == "" {
		fmt.Fprintln(r.out, r.styles.Dim.Render("  no active index"))
	} else {
		fmt.Fprintf(r.out, "  %s %s\n", r.styles.Label.Render("active index:"), activeIndex)
	}
}

// Error prints a failure message.
func (r *Renderer) Error(err error) {
	fmt.Fprintln(r.out, r.styles.Error.Render("error: ")+err.Error())
}

// Info prints a one-line message.
func (r *Renderer) Info(msg string) {
	fmt.Fprintln(r.out, msg)
}
