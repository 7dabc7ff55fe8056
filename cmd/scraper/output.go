package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// progressObserver shows one tracker per running target, advanced for every
// accepted record.
type progressObserver struct {
	pw    progress.Writer
	total int64

	mu       sync.Mutex
	trackers map[string]*progress.Tracker
}

func newProgressObserver(out io.Writer, perTarget int64) *progressObserver {
	pw := progress.NewWriter()
	pw.SetOutputWriter(out)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(25)
	pw.SetTrackerPosition(progress.PositionRight)
	pw.SetUpdateFrequency(200 * time.Millisecond)
	pw.SetStyle(progress.StyleDefault)
	return &progressObserver{
		pw:       pw,
		total:    perTarget,
		trackers: make(map[string]*progress.Tracker),
	}
}

func (p *progressObserver) Start() { go p.pw.Render() }

func (p *progressObserver) Stop() {
	p.pw.Stop()
	for p.pw.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *progressObserver) TargetStarted(target string) {
	t := &progress.Tracker{Message: target, Total: p.total, Units: progress.UnitsDefault}
	p.mu.Lock()
	p.trackers[target] = t
	p.mu.Unlock()
	p.pw.AppendTracker(t)
}

func (p *progressObserver) RecordAccepted(target, _ string) {
	if t := p.tracker(target); t != nil {
		t.Increment(1)
	}
}

func (p *progressObserver) TargetFinished(target string, err error) {
	t := p.tracker(target)
	if t == nil {
		return
	}
	if err != nil {
		t.MarkAsErrored()
		return
	}
	t.MarkAsDone()
}

func (p *progressObserver) tracker(target string) *progress.Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackers[target]
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(out)
	return t
}

// printSummary renders one row per target in input order.
func printSummary(out io.Writer, targets []models.Target, summary models.RunSummary) {
	status := make(map[string]string, summary.Total())
	for _, name := range summary.Succeeded {
		status[name] = "ok"
	}
	for _, name := range summary.Failed {
		status[name] = "failed"
	}
	for _, name := range summary.Skipped {
		status[name] = "skipped"
	}

	t := newTable(out)
	t.SetTitle("Crawl summary")
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Target", "Book ID", "Status", "Error"})
	for _, target := range targets {
		t.AppendRow(table.Row{target.Name, target.BookID, status[target.Name], summary.Errors[target.Name]})
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d targets", summary.Total()),
		"",
		fmt.Sprintf("%d ok / %d failed / %d skipped", len(summary.Succeeded), len(summary.Failed), len(summary.Skipped)),
		summary.EndTime.Sub(summary.StartTime).Round(time.Millisecond).String(),
	})
	t.Render()
}

func printProxyStats(out io.Writer, stats models.ProxyStats) {
	t := newTable(out)
	t.SetTitle("Proxy pool")
	t.AppendHeader(table.Row{"Total", "Valid", "Failed", "Available"})
	t.AppendRow(table.Row{stats.Total, stats.Valid, stats.Failed, stats.Available})
	t.Render()
}
