package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss/v2"

	"github.com/aristath/roadrunner/internal/budget"
	"github.com/aristath/roadrunner/internal/events"
	"github.com/aristath/roadrunner/internal/roadmap"
	"github.com/aristath/roadrunner/internal/state"
)

var (
	styleHeading = lipgloss.NewStyle().Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleTask    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

func renderIssues(w io.Writer, issues []roadmap.Issue) {
	for _, issue := range issues {
		label := styleWarning.Render("warning")
		if issue.Level == roadmap.LevelError {
			label = styleError.Render("error")
		}
		fmt.Fprintf(w, "  %s  %s: %s\n", label, styleTask.Render(issue.Task), issue.Message)
	}
}

func statusLabel(s state.Status) string {
	switch s {
	case state.StatusDone:
		return styleOK.Render(string(s))
	case state.StatusFailed, state.StatusAbandoned:
		return styleError.Render(string(s))
	case state.StatusInProgress:
		return styleTask.Render(string(s))
	default:
		return styleMuted.Render(string(s))
	}
}

func renderGraph(w io.Writer, g *roadmap.Graph, st *state.Store) {
	fmt.Fprintln(w, styleHeading.Render(g.Roadmap.Name))
	for depth, layer := range g.Layers() {
		fmt.Fprintf(w, "%s\n", styleMuted.Render(fmt.Sprintf("layer %d", depth)))
		for _, id := range layer {
			t, _ := g.Task(id)
			line := fmt.Sprintf("  %03d  %s", t.ID, t.Title)
			if len(t.DependsOn) > 0 {
				deps := make([]string, len(t.DependsOn))
				for i, d := range t.DependsOn {
					deps[i] = fmt.Sprintf("%03d", d)
				}
				line += styleMuted.Render("  <- " + strings.Join(deps, ", "))
			}
			if t.IsMilestone() {
				line += styleWarning.Render("  [milestone " + t.Version + "]")
			}
			if st != nil {
				line += "  " + statusLabel(st.Status(id))
			}
			fmt.Fprintln(w, line)
		}
	}
}

func renderSummary(w io.Writer, g *roadmap.Graph, st *state.Store, ledger *budget.Ledger) {
	snap := st.Snapshot()
	fmt.Fprintln(w, styleHeading.Render(g.Roadmap.Name))
	fmt.Fprintf(w, "%d/%d tasks done\n\n", snap.Completed, snap.Total)

	ids := make([]int, 0, len(snap.Tasks))
	for id := range snap.Tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		rec := snap.Tasks[id]
		t, known := g.Task(id)
		title := "(removed from roadmap)"
		if known {
			title = t.Title
		}
		line := fmt.Sprintf("  %03d  %-30s %s", id, title, statusLabel(rec.Status))
		if rec.Attempt > 0 {
			line += styleMuted.Render(fmt.Sprintf("  attempt %d (%d left)",
				rec.Attempt, ledger.AttemptsRemaining(id)))
		}
		if rec.Tokens > 0 {
			line += styleMuted.Render("  " + budget.FormatTokens(rec.Tokens) + " tokens")
		}
		if rec.DurationSeconds > 0 {
			line += styleMuted.Render(fmt.Sprintf("  %s",
				(time.Duration(rec.DurationSeconds * float64(time.Second))).Round(time.Second)))
		}
		if rec.LastError != "" {
			line += "\n       " + styleError.Render(rec.LastError)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	cfg := ledger.Config()
	used := ledger.MonthTokens()
	fmt.Fprintf(w, "month:  %s / %s tokens\n",
		budget.FormatTokens(used), budget.FormatTokens(cfg.MonthlyLimitTokens))
	fmt.Fprintf(w, "cost:   ~$%.2f this run\n", ledger.EstimatedCost(ledger.Sessions()))
	for _, f := range snap.Failed {
		fmt.Fprintf(w, "%s task %03d: %s\n", styleError.Render("abandoned"), f.Task, f.Reason)
	}
}

// renderEvents consumes the bus until it closes, printing one line per
// event. Runs on its own goroutine during `roadrunner run`.
func renderEvents(w io.Writer, ch <-chan events.Event) {
	for e := range ch {
		switch ev := e.(type) {
		case events.TaskStarted:
			fmt.Fprintf(w, "%s %03d %s (attempt %d)\n",
				styleTask.Render("start"), ev.ID, ev.Title, ev.Attempt)
		case events.PhaseStarted:
			fmt.Fprintf(w, "  %s %03d %s\n", styleMuted.Render("phase"), ev.ID, ev.Phase)
		case events.TaskCompleted:
			fmt.Fprintf(w, "%s %03d %s (%s tokens)\n",
				styleOK.Render("done "), ev.ID, ev.Title, budget.FormatTokens(ev.Tokens))
		case events.TaskFailed:
			fmt.Fprintf(w, "%s %03d attempt %d: %s\n",
				styleWarning.Render("fail "), ev.ID, ev.Attempt, ev.Reason)
		case events.TaskAbandoned:
			fmt.Fprintf(w, "%s %03d after %d attempts: %s\n",
				styleError.Render("abandoned"), ev.ID, ev.Attempts, ev.Reason)
		case events.BudgetExhausted:
			fmt.Fprintf(w, "%s %s of %s tokens used\n",
				styleError.Render("budget exhausted"),
				budget.FormatTokens(ev.Used), budget.FormatTokens(ev.Limit))
		case events.PipelineDone:
			fmt.Fprintf(w, "%s %d done, %d abandoned, %s tokens\n",
				styleHeading.Render("run finished"),
				ev.Completed, ev.Abandoned, budget.FormatTokens(ev.Tokens))
		}
	}
}
