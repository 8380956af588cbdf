package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modgate/modgate/core/call"
	"github.com/modgate/modgate/core/module"
)

func waitForState(t *testing.T, ex *Executor, taskID string, want TaskState) TaskStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := ex.Status(taskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.State == want {
			return st
		}
		if st.State.Terminal() && st.State != want {
			t.Fatalf("task ended in %s, want %s (err: %v)", st.State, want, st.Err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task never reached %s", want)
	return TaskStatus{}
}

func TestTransition_LegalPath(t *testing.T) {
	task := &Task{state: TaskIdle}
	for _, next := range []TaskState{TaskPending, TaskRunning, TaskCompleted} {
		if err := task.transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
}

func TestTransition_IdleToRunningRejected(t *testing.T) {
	task := &Task{state: TaskIdle}
	err := task.transition(TaskRunning)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	if task.state != TaskIdle {
		t.Fatalf("state = %s, changed by rejected transition", task.state)
	}
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []TaskState{TaskCompleted, TaskFailed, TaskCancelled} {
		task := &Task{state: terminal}
		for _, next := range []TaskState{TaskIdle, TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled} {
			if err := task.transition(next); !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("%s -> %s allowed", terminal, next)
			}
		}
	}
}

func TestExecuteAsync_Completes(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.register(t, module.Definition{
		ID: "jobs.quick",
		Handler: module.InvokerFunc(func(ctx *call.Context, input map[string]any) (map[string]any, error) {
			ctx.ReportProgress(0.5)
			return map[string]any{"done": true}, nil
		}),
	})

	taskID, err := env.executor.ExecuteAsync(context.Background(), "jobs.quick", nil)
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}

	st := waitForState(t, env.executor, taskID, TaskCompleted)
	if st.Result["done"] != true {
		t.Fatalf("result = %v", st.Result)
	}
	if st.Progress != 1 {
		t.Fatalf("progress = %v, want 1 on completion", st.Progress)
	}
	if st.FinishedAt.IsZero() {
		t.Fatal("finished timestamp not set")
	}
}

func TestExecuteAsync_Failure(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.register(t, module.Definition{
		ID: "jobs.broken",
		Handler: module.InvokerFunc(func(ctx *call.Context, input map[string]any) (map[string]any, error) {
			return nil, errors.New("job blew up")
		}),
	})

	taskID, err := env.executor.ExecuteAsync(context.Background(), "jobs.broken", nil)
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}

	st := waitForState(t, env.executor, taskID, TaskFailed)
	if st.Err == nil || st.Err.Code != CodeExecution {
		t.Fatalf("task error = %v, want execution envelope", st.Err)
	}
}

func TestExecuteAsync_UnknownTargetFailsFast(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.executor.ExecuteAsync(context.Background(), "jobs.missing", nil)
	e := envelopeOf(t, err)
	if e.Code != CodeNotFound {
		t.Fatalf("code = %s, want %s", e.Code, CodeNotFound)
	}
}

func TestCancel_RunningTask(t *testing.T) {
	env := newTestEnv(t, Options{})
	started := make(chan struct{})
	env.register(t, module.Definition{
		ID: "jobs.long",
		Handler: module.InvokerFunc(func(ctx *call.Context, input map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	taskID, err := env.executor.ExecuteAsync(context.Background(), "jobs.long", nil)
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}
	<-started

	if err := env.executor.Cancel(taskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForState(t, env.executor, taskID, TaskCancelled)
}

func TestCancel_CompletedTaskRejectedWithoutStateChange(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.register(t, echoDef("jobs.instant"))

	taskID, err := env.executor.ExecuteAsync(context.Background(), "jobs.instant", nil)
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}
	waitForState(t, env.executor, taskID, TaskCompleted)

	if err := env.executor.Cancel(taskID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Cancel on completed = %v, want ErrIllegalTransition", err)
	}
	st, _ := env.executor.Status(taskID)
	if st.State != TaskCompleted {
		t.Fatalf("state = %s, changed by rejected cancel", st.State)
	}
}

func TestCancel_UnknownTask(t *testing.T) {
	env := newTestEnv(t, Options{})
	if err := env.executor.Cancel("no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestPurgeFinished(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.register(t, echoDef("jobs.instant"))

	taskID, err := env.executor.ExecuteAsync(context.Background(), "jobs.instant", nil)
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}
	waitForState(t, env.executor, taskID, TaskCompleted)

	if n := env.executor.PurgeFinished(time.Hour); n != 0 {
		t.Fatalf("purged %d fresh tasks", n)
	}
	if n := env.executor.PurgeFinished(-time.Hour); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := env.executor.Status(taskID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("status after purge = %v, want ErrTaskNotFound", err)
	}
}
