package board

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/store"
)

// Gateway is the slice of the persistence API the board engine writes
// through. Every call is issued after the optimistic mutation has already
// been applied to the store.
type Gateway interface {
	CreateTask(ctx context.Context, draft domain.Task) (domain.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status domain.Status) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]domain.Task, error)
}

// Draft carries the user-supplied fields of a new task.
type Draft struct {
	Title       string
	Description string
	Priority    domain.Priority
	AssignedTo  string
	DueDate     *time.Time
}

// Engine owns the task status state machine: optimistic creates, drag/drop
// moves and creator-only deletes, all against the entity store.
type Engine struct {
	store   *store.Store
	gw      Gateway
	logger  *log.Logger
	userID  string
	timeout time.Duration
	onError func(error)
	wg      sync.WaitGroup
}

// New creates a board engine acting as the given local user.
func New(st *store.Store, gw Gateway, userID string, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{
		store:   st,
		gw:      gw,
		logger:  logger,
		userID:  userID,
		timeout: 10 * time.Second,
	}
}

// OnError registers a hook for asynchronous sync failures. Validation and
// authorization errors are returned synchronously and never reach the hook.
func (e *Engine) OnError(fn func(error)) { e.onError = fn }

// Wait blocks until in-flight gateway requests have settled. Used on
// shutdown and in tests.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) fail(err error) {
	e.logger.WithField("error", err).Warn("board sync failure")
	if e.onError != nil {
		e.onError(err)
	}
}

func (e *Engine) async(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		fn(ctx)
	}()
}

// LoadBoard fetches the current task list from the gateway and seeds the
// store with confirmed entries.
func (e *Engine) LoadBoard(ctx context.Context) error {
	tasks, err := e.gw.ListTasks(ctx)
	if err != nil {
		return &domain.SyncFailure{Op: "load board", EntityID: "-", Err: err}
	}
	now := time.Now().UnixNano()
	for _, t := range tasks {
		e.store.UpsertTask(t, store.Meta{
			Provenance: domain.Confirmed,
			Source:     store.SourceGateway,
			Stamp:      now,
		})
	}
	return nil
}

// CreateTask validates the draft, inserts a pending-local task with a
// placeholder id and issues the create request. On confirmation the entry is
// re-keyed to the server id; on failure the placeholder disappears from the
// board and the error surfaces through the async hook. There is no silent
// retry.
func (e *Engine) CreateTask(draft Draft) (domain.Task, error) {
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return domain.Task{}, &domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	priority := draft.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.Valid() {
		return domain.Task{}, &domain.ValidationError{Field: "priority", Reason: "unknown value " + string(priority)}
	}
	assigned := draft.AssignedTo
	if assigned == "" {
		assigned = e.userID
	}
	task := domain.Task{
		ID:          store.LocalIDPrefix + uuid.NewString(),
		Title:       title,
		Description: draft.Description,
		Status:      domain.StatusTodo,
		Priority:    priority,
		AssignedTo:  assigned,
		CreatedBy:   e.userID,
		DueDate:     draft.DueDate,
		CreatedAt:   time.Now().UTC(),
	}
	e.store.UpsertTask(task, store.Meta{
		Provenance: domain.PendingLocal,
		Source:     store.SourceLocal,
		Stamp:      task.CreatedAt.UnixNano(),
	})
	e.async(func(ctx context.Context) {
		confirmed, err := e.gw.CreateTask(ctx, task)
		if err != nil {
			e.store.RemoveTask(task.ID)
			e.fail(&domain.SyncFailure{Op: "create task", EntityID: task.ID, Err: err})
			return
		}
		e.store.ReindexTask(task.ID, confirmed)
	})
	return task, nil
}

// MoveTask assigns the drop target's column to the task. Dropping onto the
// column the task already occupies issues no request; an unknown id is
// ignored. A rejected update rolls the task back to its prior column, because
// an inconsistent board is worse than a momentary wrong position.
func (e *Engine) MoveTask(id string, target domain.Status) error {
	if !target.Valid() {
		return &domain.ValidationError{Field: "status", Reason: "unknown column " + string(target)}
	}
	current, ok := e.store.TaskByID(id)
	if !ok {
		e.logger.WithField("task", id).Debug("move ignored for unknown task")
		return nil
	}
	if current.Status == target {
		return nil
	}
	prev, ok := e.store.MutateTaskStatus(id, target)
	if !ok {
		return nil
	}
	e.async(func(ctx context.Context) {
		confirmed, err := e.gw.UpdateTaskStatus(ctx, id, target)
		if err != nil {
			e.store.RollbackTask(prev)
			e.fail(&domain.SyncFailure{Op: "move task", EntityID: id, Err: err})
			return
		}
		e.store.UpsertTask(confirmed, store.Meta{
			Provenance: domain.Confirmed,
			Source:     store.SourceGateway,
			Stamp:      time.Now().UnixNano(),
		})
	})
	return nil
}

// DeleteTask removes a task. Only the creator may delete; the check is
// resolved locally and nothing is sent for a rejected request. The optimistic
// removal is not restored if the gateway rejects the delete: a failed delete
// of an already-removed card is lower risk than a failed move, so unlike
// MoveTask there is no rollback.
func (e *Engine) DeleteTask(id, requesterID string) error {
	task, ok := e.store.TaskByID(id)
	if !ok {
		return nil
	}
	if task.CreatedBy != requesterID {
		return &domain.AuthorizationError{Action: "delete task", Requester: requesterID, Owner: task.CreatedBy}
	}
	e.store.RemoveTask(id)
	if store.IsLocalID(id) {
		// The create was never confirmed, so there is nothing to delete
		// server-side.
		return nil
	}
	e.async(func(ctx context.Context) {
		if err := e.gw.DeleteTask(ctx, id); err != nil {
			e.fail(&domain.SyncFailure{Op: "delete task", EntityID: id, Err: err})
		}
	})
	return nil
}

// Columns returns the current board partition.
func (e *Engine) Columns() map[domain.Status][]domain.Task {
	return e.store.Columns()
}
