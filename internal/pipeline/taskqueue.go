package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sauravm/transcript-judge/internal/model"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task already in a terminal state")
)

// TaskQueue is the keyed in-memory store of in-flight runs. It starts empty
// and entries are removed explicitly on terminal transition by whoever owns
// the task; nothing is garbage-collected implicitly.
type TaskQueue struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*model.Task
	observers []func(model.Task)
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{tasks: make(map[uuid.UUID]*model.Task)}
}

// TaskDescriptor is the immutable part of a task, fixed at creation.
type TaskDescriptor struct {
	ListingID  uuid.UUID
	Type       string
	Steps      model.TaskSteps
	TotalSteps int
}

// TaskUpdate is a partial mutation; nil fields are left untouched.
type TaskUpdate struct {
	Stage       *model.TaskStage
	CurrentStep *int
	Progress    *int
	CallNumber  *int
	Message     *string
}

func (q *TaskQueue) AddTask(d TaskDescriptor) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	task := &model.Task{
		ID:         uuid.New(),
		ListingID:  d.ListingID,
		Type:       d.Type,
		Stage:      model.StagePreparing,
		Steps:      d.Steps,
		TotalSteps: d.TotalSteps,
		Status:     model.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.tasks[task.ID] = task
	q.notifyLocked(task)
	return task.ID
}

// SetTaskStatus drives the state machine pending → processing →
// {completed|failed|cancelled}. Terminal states reject further transitions.
func (q *TaskQueue) SetTaskStatus(id uuid.UUID, status model.TaskStatus, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, task.Status)
	}

	task.Status = status
	task.Error = errMsg
	switch status {
	case model.TaskCompleted:
		task.Stage = model.StageComplete
		task.Progress = 100
	case model.TaskFailed:
		task.Stage = model.StageFailed
	}
	task.UpdatedAt = time.Now()
	q.notifyLocked(task)
	return nil
}

func (q *TaskQueue) UpdateTask(id uuid.UUID, u TaskUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, task.Status)
	}

	if u.Stage != nil {
		task.Stage = *u.Stage
	}
	if u.CurrentStep != nil && *u.CurrentStep > task.CurrentStep {
		// CurrentStep is monotonically non-decreasing
		task.CurrentStep = *u.CurrentStep
	}
	if u.Progress != nil {
		task.Progress = *u.Progress
	}
	if u.CallNumber != nil {
		task.CallNumber = *u.CallNumber
	}
	if u.Message != nil {
		task.Message = *u.Message
	}
	task.UpdatedAt = time.Now()
	q.notifyLocked(task)
	return nil
}

func (q *TaskQueue) CompleteTask(id uuid.UUID, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, task.Status)
	}

	task.Status = model.TaskCompleted
	task.Stage = model.StageComplete
	task.Progress = 100
	if task.CurrentStep < task.TotalSteps {
		task.CurrentStep = task.TotalSteps
	}
	task.Result = result
	task.UpdatedAt = time.Now()
	q.notifyLocked(task)
	return nil
}

// Get returns a copy; observers never see the live record.
func (q *TaskQueue) Get(id uuid.UUID) (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *task, true
}

func (q *TaskQueue) Remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, id)
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Observe registers a callback invoked with a snapshot on every mutation.
// Callbacks run under the queue lock and must not call back into the queue.
func (q *TaskQueue) Observe(fn func(model.Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

func (q *TaskQueue) notifyLocked(task *model.Task) {
	for _, fn := range q.observers {
		fn(*task)
	}
}
