package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/roadrunner/internal/agent"
	"github.com/aristath/roadrunner/internal/budget"
	"github.com/aristath/roadrunner/internal/ecosystem"
	"github.com/aristath/roadrunner/internal/events"
	"github.com/aristath/roadrunner/internal/notify"
	"github.com/aristath/roadrunner/internal/persistence"
	"github.com/aristath/roadrunner/internal/roadmap"
	"github.com/aristath/roadrunner/internal/state"
)

// CommandRunner shells out an ecosystem command. *ecosystem.Runner is the
// production implementation.
type CommandRunner interface {
	Run(ctx context.Context, argv []string) (string, error)
}

// Git is the branch-lifecycle surface the machine needs.
// *gitops.Coordinator is the production implementation.
type Git interface {
	Enabled() bool
	StartTask(t *roadmap.Task) (string, error)
	FinishTask(t *roadmap.Task, outputs []string) error
	TagMilestone(version string) error
	Rollback(t *roadmap.Task) error
	DiscardChanges() error
}

// ReviewFunc is the external approve/reject signal for review-gated
// tasks. It blocks until the operator decides; there is no timeout.
type ReviewFunc func(ctx context.Context, t *roadmap.Task) (approved bool, feedback string, err error)

// Machine drives one batch at a time through the phase pipeline. All run
// state and ledger mutations happen on the goroutine that called Run;
// parallel build workers only invoke the agent and report back.
type Machine struct {
	Graph    *roadmap.Graph
	Store    *state.Store
	Ledger   *budget.Ledger
	Invoker  agent.Invoker
	Breakers *agent.BreakerRegistry
	Retry    agent.RetryConfig
	Commands ecosystem.Commands
	Runner   CommandRunner
	Git      Git
	Notifier *notify.Notifier
	Bus      *events.Bus
	Archive  *persistence.Archive // optional
	Review   ReviewFunc           // nil auto-approves

	ProjectDir  string
	ProjectName string
}

func (m *Machine) publish(topic string, e events.Event) {
	if m.Bus != nil {
		m.Bus.Publish(topic, e)
	}
}

// checkpoint observes cancellation at a phase boundary, flushing state
// before the run unwinds. Agent invocations themselves are atomic from
// the machine's point of view.
func (m *Machine) checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if err := m.Store.Save(); err != nil {
		return err
	}
	return ctx.Err()
}

// batchState carries one dispatch's mutable bookkeeping.
type batchState struct {
	tasks   []*roadmap.Task
	attempt int
	fixLogs string // last failing output, feeds fix prompts and reports
}

// Run drives one batch (a solo task is a batch of one) to a terminal
// status. The returned error is fatal to the whole run: persistence
// failure, monthly budget exhaustion, agent misconfiguration, or
// cancellation. Per-task failures end in failed/abandoned status instead.
func (m *Machine) Run(ctx context.Context, batch []*roadmap.Task) error {
	if len(batch) == 0 {
		return nil
	}
	if batch[0].IsMilestone() {
		return m.runMilestone(ctx, batch[0])
	}

	bs := &batchState{tasks: batch, attempt: 1}
	startIdx := 0
	if rec, ok := m.Store.Task(batch[0].ID); ok {
		startIdx = resumeIndex(rec)
		// Feedback from the last failed attempt survives the dispatch
		// boundary and seeds this attempt's prompts.
		bs.fixLogs = rec.FixLog
		switch {
		case rec.Status == state.StatusInProgress && rec.Attempt > 0:
			// Interrupted run: same attempt, resume mid-pipeline.
			bs.attempt = rec.Attempt
		case rec.Attempt > 0:
			// Re-dispatched after a failed attempt: the counter carries over
			// so abandonment stays bounded across dispatches.
			bs.attempt = rec.Attempt + 1
		}
	}

	for _, t := range batch {
		if err := m.Store.Mark(t.ID, state.StatusInProgress,
			state.Update{Phase: string(happyPath[startIdx]), Attempt: bs.attempt}); err != nil {
			return err
		}
		m.publish(events.TopicTask, events.TaskStarted{
			ID: t.ID, Title: t.Title, Attempt: bs.attempt, Timestamp: time.Now()})
		if _, err := m.Git.StartTask(t); err != nil {
			return fmt.Errorf("starting branch for task %03d: %w", t.ID, err)
		}
	}

	for idx := startIdx; idx < len(happyPath); idx++ {
		if err := m.checkpoint(ctx); err != nil {
			return err
		}
		phase := happyPath[idx]
		var err error
		switch phase {
		case PhaseBuild:
			err = m.phaseBuild(ctx, bs)
		case PhaseDeps:
			err = m.phaseDeps(ctx, bs)
		case PhaseTest:
			err = m.phaseChecked(ctx, bs, PhaseTest)
		case PhaseCoverage:
			err = m.phaseChecked(ctx, bs, PhaseCoverage)
		case PhaseStatic:
			err = m.phaseStatic(ctx, bs)
		case PhaseReview:
			err = m.phaseReview(ctx, bs)
		case PhaseDocument:
			err = m.phaseDocument(ctx, bs)
		case PhaseCommit:
			err = m.phaseCommit(ctx, bs)
		case PhaseNotify:
			m.phaseNotify(ctx, bs)
		case PhaseDeploy:
			m.phaseDeploy(ctx, bs)
		}
		if err != nil {
			return err
		}
		if len(bs.tasks) == 0 {
			// every task in the batch reached a terminal failure
			return nil
		}
	}

	for _, t := range bs.tasks {
		rec, _ := m.Store.Task(t.ID)
		if err := m.Store.Mark(t.ID, state.StatusDone, state.Update{}); err != nil {
			return err
		}
		var dur time.Duration
		if rec.StartedAt != nil {
			dur = time.Since(*rec.StartedAt)
		}
		m.publish(events.TopicTask, events.TaskCompleted{
			ID: t.ID, Title: t.Title, Tokens: m.Ledger.TaskTokens(t.ID),
			Duration: dur, Timestamp: time.Now()})
	}
	return nil
}

// setPhase records the batch's current phase for every live task.
func (m *Machine) setPhase(bs *batchState, phase Phase) error {
	for _, t := range bs.tasks {
		if err := m.Store.Mark(t.ID, state.StatusInProgress,
			state.Update{Phase: string(phase), Attempt: bs.attempt}); err != nil {
			return err
		}
		m.publish(events.TopicTask, events.PhaseStarted{
			ID: t.ID, Phase: string(phase), Attempt: bs.attempt, Timestamp: time.Now()})
	}
	return nil
}

// reserve gates the next invocation for a task. Monthly exhaustion is
// fatal to the run; a per-task ceiling abandons just that task.
func (m *Machine) reserve(t *roadmap.Task, bs *batchState) (bool, error) {
	ok, err := m.Ledger.Reserve(t.ID)
	if ok {
		return true, nil
	}
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) && exceeded.Scope == "task" {
		if err := m.abandon(t, bs, exceeded.Error()); err != nil {
			return false, err
		}
		return false, nil
	}
	return false, err
}

// invoke runs one agent call and funnels its accounting through the
// ledger and archive. Called from the coordinating goroutine only.
func (m *Machine) invoke(ctx context.Context, req agent.Request) (agent.Result, error) {
	cb := m.Breakers.Get(req.Kind)
	res, err := agent.InvokeWithRetry(ctx, m.Invoker, req, cb, m.Retry)
	if recErr := m.recordInvocation(ctx, req, res, nil); recErr != nil {
		return res, recErr
	}
	return res, err
}

func (m *Machine) recordInvocation(ctx context.Context, req agent.Request, res agent.Result, parallelWith []int) error {
	if res.TotalTokens() > 0 || res.SessionID != "" {
		session := budget.Session{
			ID: res.SessionID, Task: req.TaskID, Phase: req.Phase, Attempt: req.Attempt,
			TokensIn: res.TokensIn, TokensOut: res.TokensOut,
			TokensCacheRead: res.TokensCacheRead, TokensCacheWrite: res.TokensCacheWrite,
			ParallelWith: parallelWith,
		}
		if err := m.Ledger.Record(session); err != nil {
			return err
		}
		if err := m.Store.Mark(req.TaskID, state.StatusInProgress,
			state.Update{AddTokens: res.TotalTokens()}); err != nil {
			return err
		}
	}
	if m.Archive != nil {
		if err := m.Archive.RecordSession(ctx, req, res); err != nil {
			log.Printf("WARNING: archiving session for task %03d: %v", req.TaskID, err)
		}
	}
	return nil
}

type buildResult struct {
	task *roadmap.Task
	req  agent.Request
	res  agent.Result
	err  error
}

// phaseBuild invokes the build agent for every task in the batch,
// concurrently when the batch has more than one member. Workers only talk
// to the agent; all ledger and state mutations happen here, on the
// coordinating goroutine, as results arrive.
func (m *Machine) phaseBuild(ctx context.Context, bs *batchState) error {
	if err := m.setPhase(bs, PhaseBuild); err != nil {
		return err
	}

	var siblings []int
	if len(bs.tasks) > 1 {
		for _, t := range bs.tasks {
			siblings = append(siblings, t.ID)
		}
	}

	results := make(chan buildResult, len(bs.tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.Ledger.Config().MaxParallelAgents)

	// reserve may abandon a member mid-loop, so iterate a copy.
	for _, t := range append([]*roadmap.Task(nil), bs.tasks...) {
		ok, err := m.reserve(t, bs)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		req := agent.Request{
			TaskID: t.ID, Slug: t.Slug(), Kind: agentKind(t),
			Phase: string(PhaseBuild), Attempt: bs.attempt,
			Prompt: m.buildPrompt(t, bs.fixLogs),
		}
		task := t
		g.Go(func() error {
			cb := m.Breakers.Get(req.Kind)
			res, err := agent.InvokeWithRetry(gctx, m.Invoker, req, cb, m.Retry)
			results <- buildResult{task: task, req: req, res: res, err: err}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(results)
	}()

	var failed []buildResult
	for r := range results {
		others := excluding(siblings, r.task.ID)
		if err := m.recordInvocation(ctx, r.req, r.res, others); err != nil {
			return err
		}
		m.publish(events.TopicTask, events.PhaseCompleted{
			ID: r.task.ID, Phase: string(PhaseBuild), OK: r.err == nil,
			Tokens: r.res.TotalTokens(), Timestamp: time.Now()})
		if r.err != nil {
			var cfgErr *agent.ConfigError
			if errors.As(r.err, &cfgErr) {
				return r.err
			}
			failed = append(failed, r)
		}
	}

	// A build-agent failure that survived its retries fails the attempt
	// for that task; batch siblings proceed.
	for _, r := range failed {
		bs.fixLogs = r.res.Output
		if err := m.failAttempt(r.task, bs, fmt.Sprintf("build agent failed: %v", r.err)); err != nil {
			return err
		}
	}
	return nil
}

// agentKind resolves the agent kind driving a task's build phase. An
// absent "agent" field means the default build agent.
func agentKind(t *roadmap.Task) string {
	if t.Agent == "" {
		return string(roadmap.KindBuild)
	}
	return string(t.Agent)
}

func excluding(ids []int, id int) []int {
	var out []int
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// phaseDeps installs dependencies once per batch. Failures feed the fix
// loop like a failing test would.
func (m *Machine) phaseDeps(ctx context.Context, bs *batchState) error {
	if len(m.Commands.Deps) == 0 {
		return nil
	}
	if err := m.setPhase(bs, PhaseDeps); err != nil {
		return err
	}
	out, err := m.Runner.Run(ctx, m.Commands.Deps)
	if err != nil {
		bs.fixLogs = out
		return m.enterFixLoop(ctx, bs, PhaseDeps, func(ctx context.Context) (string, error) {
			return m.Runner.Run(ctx, m.Commands.Deps)
		})
	}
	return nil
}

// phaseChecked runs the test or coverage phase once for the whole batch,
// entering the fix loop on failure.
func (m *Machine) phaseChecked(ctx context.Context, bs *batchState, phase Phase) error {
	check := m.checkFor(phase)
	if check == nil {
		return nil
	}
	if err := m.setPhase(bs, phase); err != nil {
		return err
	}
	out, err := check(ctx)
	if err == nil {
		return nil
	}
	bs.fixLogs = out
	return m.enterFixLoop(ctx, bs, phase, check)
}

// checkFor returns the pass/fail check for a phase, or nil when the
// phase is ungated for this project.
func (m *Machine) checkFor(phase Phase) func(context.Context) (string, error) {
	switch phase {
	case PhaseTest:
		if len(m.Commands.Test) == 0 {
			return nil
		}
		return func(ctx context.Context) (string, error) {
			return m.Runner.Run(ctx, m.Commands.Test)
		}
	case PhaseCoverage:
		minCov := m.Graph.Roadmap.MinCoverage
		if minCov == nil || len(m.Commands.Coverage) == 0 {
			return nil
		}
		return func(ctx context.Context) (string, error) {
			out, err := m.Runner.Run(ctx, m.Commands.Coverage)
			if err != nil {
				return out, err
			}
			pct, ok := ecosystem.ParseCoverage(out)
			if !ok {
				return out, fmt.Errorf("coverage output has no percentage")
			}
			if pct < float64(*minCov) {
				return out, fmt.Errorf("coverage %.1f%% below minimum %d%%", pct, *minCov)
			}
			return out, nil
		}
	}
	return nil
}

// enterFixLoop alternates fix-agent invocations with re-running the
// failing check until it passes or attempts run out. Consumes one attempt
// per fix cycle; exhaustion abandons every task still in the batch.
func (m *Machine) enterFixLoop(ctx context.Context, bs *batchState, trigger Phase, check func(context.Context) (string, error)) error {
	maxAttempts := m.Ledger.Config().MaxAttemptsPerTask
	for {
		if err := m.checkpoint(ctx); err != nil {
			return err
		}
		if bs.attempt >= maxAttempts {
			reason := fmt.Sprintf("%s phase failed after %d attempt(s): %s",
				trigger, bs.attempt, ExtractError(bs.fixLogs))
			for _, t := range append([]*roadmap.Task(nil), bs.tasks...) {
				if err := m.abandon(t, bs, reason); err != nil {
					return err
				}
			}
			return nil
		}
		bs.attempt++
		if err := m.setPhase(bs, PhaseFix); err != nil {
			return err
		}
		for _, t := range append([]*roadmap.Task(nil), bs.tasks...) {
			ok, err := m.reserve(t, bs)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			req := agent.Request{
				TaskID: t.ID, Slug: t.Slug(), Kind: string(roadmap.KindFix),
				Phase: string(PhaseFix), Attempt: bs.attempt,
				Prompt: m.fixPrompt(t, bs.fixLogs),
				// Parallel builds each ran their own session; fixing a
				// batch starts fresh rather than resuming one of them.
				Continue: len(bs.tasks) == 1,
			}
			if _, err := m.invoke(ctx, req); err != nil {
				var cfgErr *agent.ConfigError
				if errors.As(err, &cfgErr) {
					return err
				}
				log.Printf("WARNING: fix agent failed for task %03d: %v", t.ID, err)
			}
		}
		if len(bs.tasks) == 0 {
			return nil
		}
		if err := m.setPhase(bs, trigger); err != nil {
			return err
		}
		out, err := check(ctx)
		if err == nil {
			return nil
		}
		bs.fixLogs = out
		for _, t := range bs.tasks {
			m.publish(events.TopicTask, events.TaskFailed{
				ID: t.ID, Title: t.Title, Attempt: bs.attempt,
				Reason: ExtractError(out), Timestamp: time.Now()})
		}
	}
}

// phaseStatic runs the static check with its own small static_fix ceiling.
// Exhausting it fails the attempt rather than the whole task.
func (m *Machine) phaseStatic(ctx context.Context, bs *batchState) error {
	if len(m.Commands.Static) == 0 {
		return nil
	}
	if err := m.setPhase(bs, PhaseStatic); err != nil {
		return err
	}
	out, err := m.Runner.Run(ctx, m.Commands.Static)
	if err == nil {
		return nil
	}

	for round := 1; round <= staticFixLimit; round++ {
		if err := m.checkpoint(ctx); err != nil {
			return err
		}
		if err := m.setPhase(bs, PhaseStaticFix); err != nil {
			return err
		}
		for _, t := range append([]*roadmap.Task(nil), bs.tasks...) {
			ok, rerr := m.reserve(t, bs)
			if rerr != nil {
				return rerr
			}
			if !ok {
				continue
			}
			req := agent.Request{
				TaskID: t.ID, Slug: t.Slug(), Kind: string(roadmap.KindFix),
				Phase: string(PhaseStaticFix), Attempt: bs.attempt,
				Prompt:   m.staticFixPrompt(t, out),
				Continue: len(bs.tasks) == 1,
			}
			if _, ierr := m.invoke(ctx, req); ierr != nil {
				var cfgErr *agent.ConfigError
				if errors.As(ierr, &cfgErr) {
					return ierr
				}
				log.Printf("WARNING: static_fix agent failed for task %03d: %v", t.ID, ierr)
			}
		}
		if len(bs.tasks) == 0 {
			return nil
		}
		if err := m.setPhase(bs, PhaseStatic); err != nil {
			return err
		}
		out, err = m.Runner.Run(ctx, m.Commands.Static)
		if err == nil {
			return nil
		}
	}

	bs.fixLogs = out
	for _, t := range append([]*roadmap.Task(nil), bs.tasks...) {
		if err := m.failAttempt(t, bs, "static checks failed: "+ExtractError(out)); err != nil {
			return err
		}
	}
	return nil
}

// phaseReview suspends for the external approve/reject signal on
// review-gated tasks. Rejection consumes an attempt and re-enters the
// fix loop with the reviewer's feedback.
func (m *Machine) phaseReview(ctx context.Context, bs *batchState) error {
	if m.Review == nil {
		return nil
	}
	for _, t := range append([]*roadmap.Task(nil), bs.tasks...) {
		if !m.Graph.Roadmap.ReviewEnabled(t) {
			continue
		}
		if err := m.setPhase(bs, PhaseReview); err != nil {
			return err
		}
		approved, feedback, err := m.Review(ctx, t)
		if err != nil {
			return fmt.Errorf("review for task %03d: %w", t.ID, err)
		}
		if approved {
			continue
		}
		bs.fixLogs = "reviewer rejected the change:\n" + feedback
		if err := m.failAttempt(t, bs, "review rejected: "+clip(feedback, 200)); err != nil {
			return err
		}
	}
	return nil
}

// phaseDocument asks the document agent to finalize docs, once per batch.
// The lead task pays for the invocation; if its budget ceiling abandons it
// at the gate, the next live member takes over so the batch is still
// documented.
func (m *Machine) phaseDocument(ctx context.Context, bs *batchState) error {
	if err := m.setPhase(bs, PhaseDocument); err != nil {
		return err
	}
	for len(bs.tasks) > 0 {
		lead := bs.tasks[0]
		ok, err := m.reserve(lead, bs)
		if err != nil {
			return err
		}
		if !ok {
			// reserve abandoned the lead and removed it from the batch.
			continue
		}
		req := agent.Request{
			TaskID: lead.ID, Slug: lead.Slug(), Kind: string(roadmap.KindDocument),
			Phase: string(PhaseDocument), Attempt: bs.attempt,
			Prompt:   m.documentPrompt(bs.tasks),
			Continue: len(bs.tasks) == 1,
		}
		if _, err := m.invoke(ctx, req); err != nil {
			var cfgErr *agent.ConfigError
			if errors.As(err, &cfgErr) {
				return err
			}
			// Documentation polish is best-effort; the task's tests already pass.
			log.Printf("WARNING: document agent failed for task %03d: %v", lead.ID, err)
		}
		return nil
	}
	return nil
}

// phaseCommit commits and merges each task separately, preserving
// per-task git attribution even when the batch built in parallel. Every
// member but the last stages only its declared outputs; the last stages
// everything so files outside any outputs list are not lost.
func (m *Machine) phaseCommit(ctx context.Context, bs *batchState) error {
	if err := m.setPhase(bs, PhaseCommit); err != nil {
		return err
	}
	for i, t := range bs.tasks {
		var outputs []string
		if i < len(bs.tasks)-1 {
			outputs = []string(t.Outputs)
		}
		if err := m.Git.FinishTask(t, outputs); err != nil {
			return fmt.Errorf("finishing task %03d: %w", t.ID, err)
		}
	}
	return nil
}

func (m *Machine) phaseNotify(ctx context.Context, bs *batchState) {
	_ = m.setPhase(bs, PhaseNotify)
	for _, t := range bs.tasks {
		m.Notifier.Send(ctx, notify.Payload{
			Event:       events.TypeTaskCompleted,
			Task:        notify.TaskLabel(t),
			TotalTokens: m.Ledger.TaskTokens(t.ID),
		})
	}
}

func (m *Machine) phaseDeploy(ctx context.Context, bs *batchState) {
	_ = m.setPhase(bs, PhaseDeploy)
	for _, t := range bs.tasks {
		if !m.Graph.Roadmap.DeployGated(t) {
			continue
		}
		if err := runDeploy(ctx, m.ProjectDir, m.Graph.Roadmap.Deploy, t); err != nil {
			// Deploy failures never revert the committed task.
			log.Printf("WARNING: deploy hook failed for task %03d: %v", t.ID, err)
		}
	}
}

// failAttempt marks a task failed and either returns it to ready for a
// fresh attempt or abandons it when attempts are exhausted. The task
// leaves the current batch either way.
func (m *Machine) failAttempt(t *roadmap.Task, bs *batchState, reason string) error {
	if err := m.Store.Mark(t.ID, state.StatusFailed,
		state.Update{LastError: reason, FixLog: bs.fixLogs}); err != nil {
		return err
	}
	m.publish(events.TopicTask, events.TaskFailed{
		ID: t.ID, Title: t.Title, Attempt: bs.attempt, Reason: reason, Timestamp: time.Now()})

	if bs.attempt >= m.Ledger.Config().MaxAttemptsPerTask {
		return m.finishAbandon(t, bs, reason)
	}
	if err := m.Git.DiscardChanges(); err != nil {
		log.Printf("WARNING: discarding changes for task %03d: %v", t.ID, err)
	}
	bs.remove(t)
	return m.Store.Mark(t.ID, state.StatusReady, state.Update{})
}

// abandon takes a task straight to abandoned: rollback, failure report,
// notification.
func (m *Machine) abandon(t *roadmap.Task, bs *batchState, reason string) error {
	if err := m.Store.Mark(t.ID, state.StatusFailed, state.Update{LastError: reason}); err != nil {
		// Already failed is fine; anything else is a bug.
		var invalid *state.InvalidTransitionError
		if !errors.As(err, &invalid) || invalid.From != state.StatusFailed {
			return err
		}
	}
	return m.finishAbandon(t, bs, reason)
}

func (m *Machine) finishAbandon(t *roadmap.Task, bs *batchState, reason string) error {
	if err := m.Store.Mark(t.ID, state.StatusAbandoned, state.Update{}); err != nil {
		return err
	}
	bs.remove(t)

	if err := m.Git.Rollback(t); err != nil {
		log.Printf("WARNING: rollback for task %03d: %v", t.ID, err)
	}
	SaveFailureReport(m.ProjectDir, m.ProjectName, t, bs.attempt, bs.fixLogs, m.Ledger.TaskTokens(t.ID))
	m.publish(events.TopicTask, events.TaskAbandoned{
		ID: t.ID, Title: t.Title, Attempts: bs.attempt, Reason: reason, Timestamp: time.Now()})
	m.Notifier.Send(context.Background(), notify.Payload{
		Event: events.TypeTaskFailed, Status: "failed",
		Task: notify.TaskLabel(t), Reason: reason,
		TotalTokens: m.Ledger.TaskTokens(t.ID),
	})
	return nil
}

func (bs *batchState) remove(t *roadmap.Task) {
	kept := bs.tasks[:0]
	for _, other := range bs.tasks {
		if other.ID != t.ID {
			kept = append(kept, other)
		}
	}
	bs.tasks = kept
}

// runMilestone drives a milestone task: a read-only review invocation,
// then tag-and-push when git is managed. No build, test, or static phases.
func (m *Machine) runMilestone(ctx context.Context, t *roadmap.Task) error {
	bs := &batchState{tasks: []*roadmap.Task{t}, attempt: 1}
	if rec, ok := m.Store.Task(t.ID); ok && rec.Attempt > 0 {
		if rec.Status != state.StatusInProgress {
			bs.attempt = rec.Attempt + 1
		} else {
			bs.attempt = rec.Attempt
		}
	}
	if err := m.Store.Mark(t.ID, state.StatusInProgress,
		state.Update{Phase: string(PhaseReview), Attempt: bs.attempt}); err != nil {
		return err
	}
	m.publish(events.TopicTask, events.TaskStarted{
		ID: t.ID, Title: t.Title, Attempt: bs.attempt, Timestamp: time.Now()})

	ok, err := m.reserve(t, bs)
	if err != nil || !ok {
		return err
	}
	version := t.Version
	if version == "" {
		// No declared version: derive one from the task number so the
		// milestone still leaves a tag behind.
		version = fmt.Sprintf("0.0.%d", t.ID)
	}
	req := agent.Request{
		TaskID: t.ID, Slug: t.Slug(), Kind: string(roadmap.KindMilestone),
		Phase: string(PhaseReview), Attempt: bs.attempt,
		Prompt: m.milestonePrompt(t, version),
	}
	if _, err := m.invoke(ctx, req); err != nil {
		var cfgErr *agent.ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		bs.fixLogs = fmt.Sprintf("milestone review failed: %v", err)
		return m.failAttempt(t, bs, bs.fixLogs)
	}
	if err := m.checkpoint(ctx); err != nil {
		return err
	}

	if err := m.Store.Mark(t.ID, state.StatusInProgress,
		state.Update{Phase: string(PhaseCommit)}); err != nil {
		return err
	}
	if err := m.Git.TagMilestone(version); err != nil {
		return fmt.Errorf("tagging milestone %s: %w", version, err)
	}
	if err := m.Store.Mark(t.ID, state.StatusDone, state.Update{}); err != nil {
		return err
	}
	m.publish(events.TopicTask, events.TaskCompleted{
		ID: t.ID, Title: t.Title, Tokens: m.Ledger.TaskTokens(t.ID), Timestamp: time.Now()})
	m.Notifier.Send(ctx, notify.Payload{
		Event: events.TypeTaskCompleted, Task: notify.TaskLabel(t),
		TotalTokens: m.Ledger.TaskTokens(t.ID),
	})
	return nil
}

// ── Prompt construction ────────────────────────────────────────────────

func (m *Machine) buildPrompt(t *roadmap.Task, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", t.Heading())
	if t.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", t.Description)
	}
	if len(t.Outputs) > 0 {
		fmt.Fprintf(&b, "## Outputs\nCreate or modify only these files:\n")
		for _, out := range t.Outputs {
			fmt.Fprintf(&b, "- %s\n", out)
		}
		b.WriteString("\n")
	}
	if t.Acceptance != "" {
		fmt.Fprintf(&b, "## Acceptance\n%s\n", t.Acceptance)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\n## Previous attempt\nA previous attempt was rejected or failed. Address this before anything else:\n\n```\n%s\n```\n",
			tailLines(feedback, 3000))
	}
	if p := m.Graph.Roadmap.Preamble; p != "" {
		fmt.Fprintf(&b, "\n## Project context\n%s\n", p)
	}
	return b.String()
}

func (m *Machine) fixPrompt(t *roadmap.Task, logs string) string {
	return fmt.Sprintf("%s\n\nThe checks below are failing. Fix the code so they pass.\n\n```\n%s\n```\n",
		t.Heading(), tailLines(logs, 3000))
}

func (m *Machine) staticFixPrompt(t *roadmap.Task, logs string) string {
	return fmt.Sprintf("%s\n\nStatic analysis is failing. Fix the findings below without changing behavior.\n\n```\n%s\n```\n",
		t.Heading(), tailLines(logs, 3000))
}

func (m *Machine) documentPrompt(tasks []*roadmap.Task) string {
	var b strings.Builder
	b.WriteString("Finalize documentation (doc comments, README updates) for the completed work:\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s\n", t.Heading())
	}
	return b.String()
}

func (m *Machine) milestonePrompt(t *roadmap.Task, version string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", t.Heading())
	fmt.Fprintf(&b, "Review the project read-only before tagging version %s. ", version)
	b.WriteString("Verify the completed tasks hang together; report any inconsistencies. Do not modify files.\n")
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	return b.String()
}
