package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/roadrunner/internal/budget"
	"github.com/aristath/roadrunner/internal/events"
	"github.com/aristath/roadrunner/internal/notify"
	"github.com/aristath/roadrunner/internal/roadmap"
	"github.com/aristath/roadrunner/internal/state"
)

// BatchRunner executes one batch to terminal task statuses.
// *pipeline.Machine is the production implementation.
type BatchRunner interface {
	Run(ctx context.Context, batch []*roadmap.Task) error
}

// Scheduler owns the dispatch loop. It is the only mutator of scheduling
// statuses; the machine it drives mutates execution state within a batch.
type Scheduler struct {
	Graph    *roadmap.Graph
	Store    *state.Store
	Ledger   *budget.Ledger
	Machine  BatchRunner
	Bus      *events.Bus
	Notifier *notify.Notifier
}

// Summary is the run's final accounting.
type Summary struct {
	Completed int
	Abandoned int
	Unreached int // still blocked when the run ended
	Tokens    int64
}

func (s *Scheduler) publish(topic string, e events.Event) {
	if s.Bus != nil {
		s.Bus.Publish(topic, e)
	}
}

// Run executes the roadmap until nothing is dispatchable. It returns a
// non-nil error only for run-fatal conditions; exhausted monthly budget
// surfaces as a *budget.ExceededError so the caller can exit distinctly.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	// Tasks recorded mid-flight by an interrupted run go first, alone, so
	// they resume from their persisted phase.
	for _, id := range s.Store.InProgress() {
		t, ok := s.Graph.Task(id)
		if !ok {
			continue
		}
		if err := s.dispatch(ctx, []*roadmap.Task{t}); err != nil {
			return s.summary(), err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return s.summary(), err
		}
		if err := promote(s.Graph, s.Store); err != nil {
			return s.summary(), err
		}
		batches := Batches(s.Graph, s.Store, s.Ledger.Config().MaxParallelAgents)
		if len(batches) == 0 {
			break
		}
		if err := s.dispatch(ctx, batches[0]); err != nil {
			return s.summary(), err
		}
	}

	sum := s.summary()
	s.publish(events.TopicPipeline, events.PipelineDone{
		Completed: sum.Completed, Abandoned: sum.Abandoned,
		Tokens: sum.Tokens, Timestamp: time.Now(),
	})
	if s.Notifier != nil {
		s.Notifier.Send(ctx, notify.Payload{
			Event: events.TypePipelineDone, TotalTokens: sum.Tokens,
		})
	}
	return sum, nil
}

func (s *Scheduler) dispatch(ctx context.Context, batch []*roadmap.Task) error {
	err := s.Machine.Run(ctx, batch)
	s.progress()
	if err == nil {
		return nil
	}
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) && exceeded.Scope == "monthly" {
		s.publish(events.TopicPipeline, events.BudgetExhausted{
			Limit: exceeded.Limit, Used: exceeded.Used, Timestamp: time.Now(),
		})
		if s.Notifier != nil {
			s.Notifier.Send(ctx, notify.Payload{
				Event: events.TypeBudgetExhausted, Status: "halted",
				Reason: exceeded.Error(), TotalTokens: exceeded.Used,
			})
		}
	}
	return err
}

func (s *Scheduler) progress() {
	snap := s.Store.Snapshot()
	running := 0
	failed := 0
	for _, rec := range snap.Tasks {
		switch rec.Status {
		case state.StatusInProgress:
			running++
		case state.StatusAbandoned:
			failed++
		}
	}
	s.publish(events.TopicPipeline, events.PipelineProgress{
		Total: snap.Total, Completed: snap.Completed,
		Running: running, Failed: failed, Timestamp: time.Now(),
	})
}

func (s *Scheduler) summary() Summary {
	snap := s.Store.Snapshot()
	var sum Summary
	for id := range snap.Tasks {
		rec := snap.Tasks[id]
		switch rec.Status {
		case state.StatusDone:
			sum.Completed++
		case state.StatusAbandoned:
			sum.Abandoned++
		case state.StatusBlocked:
			sum.Unreached++
		}
		sum.Tokens += rec.Tokens
	}
	return sum
}
