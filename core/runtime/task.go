package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modgate/modgate/core/call"
	"github.com/modgate/modgate/core/events"
	"github.com/modgate/modgate/core/registry"
)

// TaskState is one position in the async task lifecycle.
type TaskState string

const (
	TaskIdle      TaskState = "idle"
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transition can leave the state.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrIllegalTransition is returned when a requested state change
	// is not a legal lifecycle edge. The task state is unchanged.
	ErrIllegalTransition = errors.New("illegal task state transition")
)

// taskTransitions are the only legal lifecycle edges. Terminal states
// have no outgoing edges.
var taskTransitions = map[TaskState][]TaskState{
	TaskIdle:    {TaskPending},
	TaskPending: {TaskRunning},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
}

// Task is one asynchronous call driven by the executor. All state is
// guarded; terminal states are final.
type Task struct {
	id       string
	moduleID string

	mu              sync.Mutex
	state           TaskState
	progress        float64
	result          map[string]any
	err             *Envelope
	cancelRequested bool
	created         time.Time
	finished        time.Time

	root *call.Context
}

func (t *Task) transition(to TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Task) transitionLocked(to TaskState) error {
	for _, next := range taskTransitions[t.state] {
		if next == to {
			t.state = to
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", t.state, to, ErrIllegalTransition)
}

func (t *Task) setProgress(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	t.progress = fraction
}

// TaskStatus is the externally visible snapshot of one task.
type TaskStatus struct {
	ID         string         `json:"id"`
	ModuleID   string         `json:"module_id"`
	State      TaskState      `json:"state"`
	Progress   float64        `json:"progress"`
	Result     map[string]any `json:"result,omitempty"`
	Err        *Envelope      `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

func (t *Task) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		ID:         t.id,
		ModuleID:   t.moduleID,
		State:      t.state,
		Progress:   t.progress,
		Result:     t.result,
		Err:        t.err,
		CreatedAt:  t.created,
		FinishedAt: t.finished,
	}
}

// taskTable is the executor's guarded task map.
type taskTable struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func newTaskTable() *taskTable {
	return &taskTable{tasks: make(map[string]*Task)}
}

func (tt *taskTable) put(t *Task) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.tasks[t.id] = t
}

func (tt *taskTable) get(id string) (*Task, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	t, ok := tt.tasks[id]
	return t, ok
}

// ExecuteAsync submits a call and returns immediately with a task id.
// The task detaches from the submitting context: cancelling the
// submitter does not cancel the task, only Cancel does.
func (e *Executor) ExecuteAsync(ctx context.Context, target string, input map[string]any) (string, error) {
	// Fail fast on unknown targets so the submitter learns at once.
	if _, ok := e.registry.Get(target); !ok {
		cc := e.callerContext(ctx)
		return "", e.normalize(fmt.Errorf("execute_async %s: %w", target, registry.ErrNotFound), cc, target)
	}

	callerID := ""
	if cc, ok := ctx.(*call.Context); ok {
		callerID = cc.CallerID()
	}

	task := &Task{
		id:       e.idgen.New(),
		moduleID: target,
		state:    TaskIdle,
		created:  e.clock.Now().UTC(),
	}
	task.root = call.NewRoot(context.Background(), call.Options{
		TraceID:  e.idgen.New(),
		CallerID: callerID,
		Progress: task.setProgress,
	})

	if err := task.transition(TaskPending); err != nil {
		return "", e.normalize(err, task.root, target)
	}
	e.tasks.put(task)
	e.publishTask(task, events.TaskPending)
	e.taskMetric(TaskPending)

	go e.runTask(task, target, input)
	return task.id, nil
}

func (e *Executor) runTask(task *Task, target string, input map[string]any) {
	if err := task.transition(TaskRunning); err != nil {
		e.log.Error().Err(err).Str("task", task.id).Msg("task could not start")
		return
	}
	e.publishTask(task, events.TaskRunning)
	e.taskMetric(TaskRunning)

	out, err := e.call(task.root, target, input)

	task.mu.Lock()
	task.finished = e.clock.Now().UTC()
	switch {
	case err == nil:
		task.result = out
		task.progress = 1
		task.transitionLocked(TaskCompleted)
	case task.cancelRequested:
		task.transitionLocked(TaskCancelled)
	default:
		var env *Envelope
		errors.As(err, &env)
		task.err = env
		task.transitionLocked(TaskFailed)
	}
	state := task.state
	task.mu.Unlock()

	e.publishTask(task, "task."+string(state))
	e.taskMetric(state)
}

// Status returns the current snapshot of a task.
func (e *Executor) Status(taskID string) (TaskStatus, error) {
	task, ok := e.tasks.get(taskID)
	if !ok {
		return TaskStatus{}, fmt.Errorf("status %s: %w", taskID, ErrTaskNotFound)
	}
	return task.status(), nil
}

// Cancel requests cooperative cancellation of a running task through
// the same token used for timeouts. Cancelling a task in a terminal
// state fails with ErrIllegalTransition and changes nothing.
func (e *Executor) Cancel(taskID string) error {
	task, ok := e.tasks.get(taskID)
	if !ok {
		return fmt.Errorf("cancel %s: %w", taskID, ErrTaskNotFound)
	}

	task.mu.Lock()
	if task.state.Terminal() {
		state := task.state
		task.mu.Unlock()
		return fmt.Errorf("cancel %s in state %s: %w", taskID, state, ErrIllegalTransition)
	}
	task.cancelRequested = true
	task.mu.Unlock()

	// The worker observes the cancellation through the context and
	// records the terminal state itself.
	task.root.Cancel()
	e.log.Info().Str("task", taskID).Str("module", task.moduleID).Msg("task cancellation requested")
	return nil
}

// Tasks returns a snapshot of every known task.
func (e *Executor) Tasks() []TaskStatus {
	e.tasks.mu.RLock()
	defer e.tasks.mu.RUnlock()
	out := make([]TaskStatus, 0, len(e.tasks.tasks))
	for _, t := range e.tasks.tasks {
		out = append(out, t.status())
	}
	return out
}

// PurgeFinished drops terminal tasks older than the given age and
// returns how many were removed.
func (e *Executor) PurgeFinished(olderThan time.Duration) int {
	cutoff := e.clock.Now().UTC().Add(-olderThan)

	e.tasks.mu.Lock()
	defer e.tasks.mu.Unlock()
	removed := 0
	for id, t := range e.tasks.tasks {
		st := t.status()
		if st.State.Terminal() && !st.FinishedAt.IsZero() && st.FinishedAt.Before(cutoff) {
			delete(e.tasks.tasks, id)
			removed++
		}
	}
	return removed
}

func (e *Executor) publishTask(task *Task, name string) {
	if e.bus == nil {
		return
	}
	st := task.status()
	e.bus.Publish(context.Background(), events.Event{
		Name:     name,
		ModuleID: task.moduleID,
		TraceID:  task.root.TraceID(),
		Data:     map[string]any{"task_id": task.id, "state": string(st.State)},
	})
}

func (e *Executor) taskMetric(state TaskState) {
	if e.metrics != nil {
		e.metrics.TaskTransition(string(state))
	}
}
