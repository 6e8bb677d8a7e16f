// Command roadrunner executes a ROADMAP.json task graph against a target
// project using coding agents, within budget and policy limits.
//
// Usage:
//
//	roadrunner [flags] run        execute the roadmap (default)
//	roadrunner [flags] validate   check the roadmap and exit
//	roadrunner [flags] graph      print the dependency layers
//	roadrunner [flags] summary    print run state and budget usage
//	roadrunner [flags] sessions N print a task's archived agent sessions
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/aristath/roadrunner/internal/agent"
	"github.com/aristath/roadrunner/internal/budget"
	"github.com/aristath/roadrunner/internal/ecosystem"
	"github.com/aristath/roadrunner/internal/events"
	"github.com/aristath/roadrunner/internal/gitops"
	"github.com/aristath/roadrunner/internal/notify"
	"github.com/aristath/roadrunner/internal/persistence"
	"github.com/aristath/roadrunner/internal/pipeline"
	"github.com/aristath/roadrunner/internal/roadmap"
	"github.com/aristath/roadrunner/internal/scheduler"
	"github.com/aristath/roadrunner/internal/state"
)

// Exit codes. Budget exhaustion and abandonment are distinct so wrapping
// scripts can tell "halted, resume next month" from "a task is stuck".
const (
	exitOK        = 0
	exitError     = 1
	exitBudget    = 2
	exitAbandoned = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("roadrunner", flag.ContinueOnError)
	dir := fs.String("C", ".", "project directory")
	roadmapPath := fs.String("roadmap", "", "roadmap file (default <dir>/ROADMAP.json)")
	noGit := fs.Bool("no-git", false, "disable git management for this run")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	cmd := fs.Arg(0)
	if cmd == "" {
		cmd = "run"
	}

	projectDir, err := filepath.Abs(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving project dir: %v\n", err)
		return exitError
	}
	rmPath := *roadmapPath
	if rmPath == "" {
		rmPath = filepath.Join(projectDir, "ROADMAP.json")
	}

	switch cmd {
	case "validate":
		return cmdValidate(rmPath)
	case "graph":
		return cmdGraph(projectDir, rmPath)
	case "summary":
		return cmdSummary(projectDir, rmPath)
	case "sessions":
		return cmdSessions(projectDir, fs.Arg(1))
	case "run":
		return cmdRun(projectDir, rmPath, *noGit)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return exitError
	}
}

func stateDir(projectDir string) string {
	return filepath.Join(projectDir, ".roadrunner")
}

func cmdValidate(rmPath string) int {
	data, err := os.ReadFile(rmPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading roadmap: %v\n", err)
		return exitError
	}
	r, err := roadmap.Parse(data)
	if err != nil {
		var verr *roadmap.ValidationError
		if errors.As(err, &verr) {
			renderIssues(os.Stdout, verr.Issues)
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return exitError
	}
	issues := roadmap.Validate(r)
	renderIssues(os.Stdout, issues)
	if roadmap.HasErrors(issues) {
		return exitError
	}
	if _, err := roadmap.NewGraph(r); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	fmt.Println(styleOK.Render("roadmap is valid"))
	return exitOK
}

func cmdGraph(projectDir, rmPath string) int {
	g, err := roadmap.Load(rmPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	var st *state.Store
	if statePath := filepath.Join(stateDir(projectDir), "state.json"); fileExists(statePath) {
		if st, err = state.Load(statePath, g); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitError
		}
	}
	renderGraph(os.Stdout, g, st)
	return exitOK
}

func cmdSummary(projectDir, rmPath string) int {
	g, err := roadmap.Load(rmPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	st, err := state.Load(filepath.Join(stateDir(projectDir), "state.json"), g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	ledger, err := openLedger(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	renderSummary(os.Stdout, g, st, ledger)
	return exitOK
}

// cmdSessions prints a task's archived agent sessions and the transcript
// of the most recent one.
func cmdSessions(projectDir, arg string) int {
	taskID, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: roadrunner sessions <task-id>")
		return exitError
	}
	ctx := context.Background()
	archive, err := persistence.Open(ctx, filepath.Join(stateDir(projectDir), "sessions.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer archive.Close()

	sessions, err := archive.SessionsForTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	if len(sessions) == 0 {
		fmt.Printf("no sessions recorded for task %03d\n", taskID)
		return exitOK
	}
	for _, s := range sessions {
		total := s.TokensIn + s.TokensOut + s.TokensCacheRead + s.TokensCacheWrite
		fmt.Printf("%s  %-10s attempt %d  %s tokens\n",
			s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Phase, s.Attempt,
			budget.FormatTokens(total))
	}

	lastID, err := archive.LastSessionID(ctx, taskID)
	if err != nil || lastID == "" {
		return exitOK
	}
	turns, err := archive.Transcript(ctx, lastID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	fmt.Printf("\n%s\n", styleHeading.Render("last session transcript"))
	for _, turn := range turns {
		fmt.Printf("%s\n%s\n\n", styleMuted.Render(turn.Role), turn.Content)
	}
	return exitOK
}

func openLedger(projectDir string) (*budget.Ledger, error) {
	cfg, err := budget.LoadConfig(filepath.Join(stateDir(projectDir), "config.json"))
	if err != nil {
		return nil, err
	}
	baselinePath, err := budget.DefaultBaselinePath()
	if err != nil {
		return nil, err
	}
	baseline, err := budget.OpenBaseline(baselinePath)
	if err != nil {
		return nil, err
	}
	return budget.OpenLedger(filepath.Join(stateDir(projectDir), "ledger.json"), cfg, baseline)
}

func cmdRun(projectDir, rmPath string, noGit bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := roadmap.Load(rmPath)
	if err != nil {
		var verr *roadmap.ValidationError
		if errors.As(err, &verr) {
			renderIssues(os.Stderr, verr.Issues)
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return exitError
	}

	if err := os.MkdirAll(stateDir(projectDir), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "creating state dir: %v\n", err)
		return exitError
	}
	st, err := state.Load(filepath.Join(stateDir(projectDir), "state.json"), g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	ledger, err := openLedger(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}

	eco := g.Roadmap.Ecosystem
	if eco == "" {
		detected, ok := ecosystem.Detect(projectDir)
		if !ok {
			fmt.Fprintf(os.Stderr, "cannot detect ecosystem; set \"ecosystem\" in the roadmap (one of %s)\n",
				strings.Join(ecosystem.Names(), ", "))
			return exitError
		}
		eco = detected
	}
	commands, ok := ecosystem.Lookup(eco)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown ecosystem %q\n", eco)
		return exitError
	}

	git := gitops.New(projectDir, g.Roadmap.GitManaged() && !noGit)
	if err := git.EnsureRepo(); err != nil {
		fmt.Fprintf(os.Stderr, "preparing git repo: %v\n", err)
		return exitError
	}

	archive, err := persistence.Open(ctx, filepath.Join(stateDir(projectDir), "sessions.db"))
	if err != nil {
		// The archive is a convenience; the run can proceed without it.
		log.Printf("WARNING: opening session archive: %v", err)
		archive = nil
	} else {
		defer archive.Close()
	}

	bus := events.NewBus()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderEvents(os.Stdout, bus.SubscribeAll(0))
	}()

	machine := &pipeline.Machine{
		Graph:       g,
		Store:       st,
		Ledger:      ledger,
		Invoker:     agent.NewOpencode(projectDir),
		Breakers:    agent.NewBreakerRegistry(),
		Retry:       agent.DefaultRetryConfig(),
		Commands:    commands,
		Runner:      &ecosystem.Runner{Dir: projectDir},
		Git:         git,
		Notifier:    notify.New(g.Roadmap.Name, g.Roadmap.Notify),
		Bus:         bus,
		Archive:     archive,
		ProjectDir:  projectDir,
		ProjectName: g.Roadmap.Name,
	}
	if reviewGatingUsed(g) {
		machine.Review = terminalReview
	}

	sched := &scheduler.Scheduler{
		Graph: g, Store: st, Ledger: ledger,
		Machine: machine, Bus: bus, Notifier: machine.Notifier,
	}

	sum, runErr := sched.Run(ctx)
	bus.Close()
	<-rendered

	if runErr != nil {
		var exceeded *budget.ExceededError
		switch {
		case errors.As(runErr, &exceeded) && exceeded.Scope == "monthly":
			fmt.Fprintf(os.Stderr, "%v\n", runErr)
			return exitBudget
		case errors.Is(runErr, context.Canceled):
			fmt.Fprintln(os.Stderr, "interrupted; state saved, rerun to resume")
			return exitError
		default:
			fmt.Fprintf(os.Stderr, "%v\n", runErr)
			return exitError
		}
	}
	if sum.Abandoned > 0 {
		return exitAbandoned
	}
	return exitOK
}

// reviewGatingUsed reports whether any task will suspend for review.
func reviewGatingUsed(g *roadmap.Graph) bool {
	for _, t := range g.Tasks() {
		if g.Roadmap.ReviewEnabled(t) {
			return true
		}
	}
	return false
}

// terminalReview is the interactive approve/reject prompt for review-gated
// tasks. It blocks until the operator answers.
func terminalReview(ctx context.Context, t *roadmap.Task) (bool, string, error) {
	fmt.Printf("\n%s %03d - %s\n", styleHeading.Render("review"), t.ID, t.Title)
	fmt.Print("approve? [y/n] ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		ch <- answer{line: line, err: err}
	}()
	select {
	case <-ctx.Done():
		return false, "", ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return false, "", fmt.Errorf("reading review answer: %w", a.err)
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.line)), "y") {
			return true, "", nil
		}
		fmt.Print("feedback for the fix agent: ")
		feedback, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			feedback = ""
		}
		return false, strings.TrimSpace(feedback), nil
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
