// Package report renders the Markdown summary written at the end of every run.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/JakeFAU/identity-harvester/internal/controller"
	"github.com/JakeFAU/identity-harvester/internal/fsutil"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// maxUnresolvedRows bounds the unresolved-item table; the full list lives in
// the result store's unresolved file.
const maxUnresolvedRows = 50

// FileReporter writes the run summary to a Markdown file.
type FileReporter struct {
	path string
}

var _ controller.Reporter = (*FileReporter)(nil)

// NewFileReporter returns a reporter writing to path.
func NewFileReporter(path string) *FileReporter {
	return &FileReporter{path: path}
}

// Write renders the summary and replaces the report file atomically.
func (r *FileReporter) Write(_ context.Context, summary controller.Summary) error {
	var buf bytes.Buffer
	if err := Render(&buf, summary); err != nil {
		return err
	}
	if err := fsutil.WriteFile(r.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Render writes summary as Markdown to w.
func Render(w io.Writer, s controller.Summary) error {
	md := markdown.NewMarkdown(w)

	writeHeader(md, s)
	writeOutcomes(md, s)
	writeFailures(md, s)
	writeQuarantine(md, s)
	writeUnresolved(md, s)

	if err := md.Build(); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

func writeHeader(md *markdown.Markdown, s controller.Summary) {
	md.H1("Harvest Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", "`" + s.RunID + "`"},
			{"Started", formatTime(s.StartedAt)},
			{"Finished", formatTime(s.FinishedAt)},
			{"Duration", s.Duration().Round(time.Second).String()},
			{"Cycles", strconv.Itoa(s.Cycles)},
			{"Sessions", strconv.Itoa(s.Sessions)},
			{"End", string(s.Reason)},
		},
	})
	md.PlainText("")

	switch {
	case s.Reason.Failed():
		md.Cautionf("Run aborted: %s.", errText(s))
	case s.Reason == controller.ReasonDegraded:
		md.Warningf("Run stopped early after repeated transient failures: %s.", errText(s))
	case s.Reason == controller.ReasonInterrupted:
		md.Importantf("Run interrupted. %d records were flushed before exit.", s.Stored)
	default:
		md.Tip("Run finished normally.")
	}
	md.PlainText("")
}

func writeOutcomes(md *markdown.Markdown, s controller.Summary) {
	md.H2("Items")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows: [][]string{
			{"Completed", strconv.Itoa(s.Completed)},
			{"Incomplete", strconv.Itoa(s.Incomplete)},
			{"Skipped", strconv.Itoa(s.Skipped)},
			{"Stored (total)", strconv.Itoa(s.Stored)},
		},
	})
	md.PlainText("")

	complete := s.Completed - s.Incomplete
	if s.Completed+s.Skipped == 0 {
		return
	}
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Item outcomes"),
		piechart.WithShowData(true),
	)
	if complete > 0 {
		chart.LabelAndIntValue("Complete", uint64(complete))
	}
	if s.Incomplete > 0 {
		chart.LabelAndIntValue("Incomplete", uint64(s.Incomplete))
	}
	if s.Skipped > 0 {
		chart.LabelAndIntValue("Skipped", uint64(s.Skipped))
	}
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func writeFailures(md *markdown.Markdown, s controller.Summary) {
	md.H2("Failures")
	md.PlainText("")
	if len(s.Failures) == 0 {
		md.PlainText("No failed attempts.")
		md.PlainText("")
		return
	}
	cats := make([]harvest.Category, 0, len(s.Failures))
	for c := range s.Failures {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	rows := make([][]string, 0, len(cats))
	for _, c := range cats {
		rows = append(rows, []string{string(c), strconv.Itoa(s.Failures[c])})
	}
	md.Table(markdown.TableSet{Header: []string{"Category", "Attempts"}, Rows: rows})
	md.PlainText("")
}

func writeQuarantine(md *markdown.Markdown, s controller.Summary) {
	md.H2("Quarantine")
	md.PlainText("")
	if len(s.Quarantined) == 0 {
		md.PlainText("Nothing quarantined during this run.")
		md.PlainText("")
		return
	}
	kinds := make([]string, 0, len(s.Quarantined))
	for k := range s.Quarantined {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	items := make([]string, 0, len(kinds))
	for _, k := range kinds {
		items = append(items, fmt.Sprintf("%s: %d", k, s.Quarantined[k]))
	}
	md.BulletList(items...)
	md.PlainText("")
}

func writeUnresolved(md *markdown.Markdown, s controller.Summary) {
	md.H2("Unresolved Items")
	md.PlainText("")
	if len(s.Unresolved) == 0 {
		md.PlainText("None.")
		md.PlainText("")
		return
	}
	list := s.Unresolved
	if len(list) > maxUnresolvedRows {
		list = list[:maxUnresolvedRows]
	}
	rows := make([][]string, len(list))
	for i, u := range list {
		rows[i] = []string{"`" + u.Item.String() + "`", u.Reason, strconv.Itoa(u.Attempts), formatTime(u.At)}
	}
	md.Table(markdown.TableSet{Header: []string{"Item", "Reason", "Attempts", "At"}, Rows: rows})
	if extra := len(s.Unresolved) - len(list); extra > 0 {
		md.PlainText("")
		md.PlainTextf("%d more not shown.", extra)
	}
	md.PlainText("")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func errText(s controller.Summary) string {
	if s.Err != nil {
		return s.Err.Error()
	}
	return string(s.Reason)
}
