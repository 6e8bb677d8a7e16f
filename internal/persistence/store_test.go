package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aristath/roadrunner/internal/agent"
)

func record(t *testing.T, a *Archive, req agent.Request, res agent.Result) {
	t.Helper()
	if err := a.RecordSession(context.Background(), req, res); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
}

func TestRecordAndQuerySessions(t *testing.T) {
	ctx := context.Background()
	a, err := OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer a.Close()

	record(t, a,
		agent.Request{TaskID: 3, Phase: "build", Attempt: 1, Prompt: "build the parser"},
		agent.Result{SessionID: "s-1", Output: "done", TokensIn: 1000, TokensOut: 500})
	record(t, a,
		agent.Request{TaskID: 3, Phase: "fix", Attempt: 2, Prompt: "fix the failing test"},
		agent.Result{SessionID: "s-2", Output: "fixed", TokensOut: 200})
	record(t, a,
		agent.Request{TaskID: 4, Phase: "build", Attempt: 1, Prompt: "other task"},
		agent.Result{SessionID: "s-3", Output: "ok"})

	sessions, err := a.SessionsForTask(ctx, 3)
	if err != nil {
		t.Fatalf("SessionsForTask: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "s-1" || sessions[0].Phase != "build" || sessions[0].TokensIn != 1000 {
		t.Errorf("first session = %+v", sessions[0])
	}
	if sessions[1].ID != "s-2" || sessions[1].Attempt != 2 {
		t.Errorf("second session = %+v", sessions[1])
	}

	last, err := a.LastSessionID(ctx, 3)
	if err != nil {
		t.Fatalf("LastSessionID: %v", err)
	}
	if last != "s-2" {
		t.Errorf("LastSessionID = %q, want s-2", last)
	}

	last, err = a.LastSessionID(ctx, 99)
	if err != nil {
		t.Fatalf("LastSessionID(99): %v", err)
	}
	if last != "" {
		t.Errorf("LastSessionID for unknown task = %q, want empty", last)
	}
}

func TestTranscript(t *testing.T) {
	ctx := context.Background()
	a, err := OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer a.Close()

	record(t, a,
		agent.Request{TaskID: 1, Phase: "build", Attempt: 1, Prompt: "the prompt"},
		agent.Result{SessionID: "s-t", Output: "the transcript"})

	turns, err := a.Transcript(ctx, "s-t")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != "prompt" || turns[0].Content != "the prompt" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Role != "agent" || turns[1].Content != "the transcript" {
		t.Errorf("second turn = %+v", turns[1])
	}
}

func TestFileBackedArchive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "archive.db")

	a, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	record(t, a,
		agent.Request{TaskID: 1, Phase: "build", Attempt: 1, Prompt: "p"},
		agent.Result{SessionID: "s-f", Output: "o", TokensOut: 42})
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Sessions survive reopening.
	a2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a2.Close()
	sessions, err := a2.SessionsForTask(ctx, 1)
	if err != nil {
		t.Fatalf("SessionsForTask: %v", err)
	}
	if len(sessions) != 1 || sessions[0].TokensOut != 42 {
		t.Errorf("sessions after reopen = %+v", sessions)
	}
}
