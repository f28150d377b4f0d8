package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boardsync/domain"
	"boardsync/store"
)

type errCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errCollector) collect(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *errCollector) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func newEngine(t *testing.T, gw *fakeGateway) (*Engine, *store.Store, *errCollector) {
	t.Helper()
	st := store.New(nil)
	e := New(st, gw, "u1", nil)
	errs := &errCollector{}
	e.OnError(errs.collect)
	return e, st, errs
}

func TestCreateTaskRejectsEmptyTitle(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newEngine(t, gw)

	_, err := e.CreateTask(Draft{Title: "   "})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	e.Wait()
	if len(st.Tasks()) != 0 {
		t.Fatal("nothing should be stored and nothing sent")
	}
	if len(gw.created) != 0 {
		t.Fatal("validation failures must not reach the gateway")
	}
}

func TestCreateTaskRoundTrip(t *testing.T) {
	gw := &fakeGateway{nextID: 41}
	e, st, errs := newEngine(t, gw)

	created, err := e.CreateTask(Draft{Title: "Write report", Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !store.IsLocalID(created.ID) {
		t.Fatalf("optimistic id = %s, want a local placeholder", created.ID)
	}
	if created.Status != domain.StatusTodo {
		t.Fatalf("status = %s, want todo", created.Status)
	}
	e.Wait()

	tasks := st.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("store has %d tasks, want exactly 1", len(tasks))
	}
	got := tasks[0]
	if got.ID != "42" {
		t.Fatalf("id = %s, want the server-assigned 42", got.ID)
	}
	if got.Status != domain.StatusTodo || got.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected confirmed task: %+v", got)
	}
	if _, ok := st.TaskByID(created.ID); ok {
		t.Fatal("placeholder id must be gone after confirmation")
	}
	if len(errs.all()) != 0 {
		t.Fatalf("unexpected errors: %v", errs.all())
	}
}

func TestCreateTaskFailureRemovesPlaceholder(t *testing.T) {
	gw := &fakeGateway{failCreate: true}
	e, st, errs := newEngine(t, gw)

	created, err := e.CreateTask(Draft{Title: "doomed"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.Wait()

	if _, ok := st.TaskByID(created.ID); ok {
		t.Fatal("placeholder should disappear when the gateway rejects the create")
	}
	got := errs.all()
	if len(got) != 1 {
		t.Fatalf("got %d errors, want 1", len(got))
	}
	var sf *domain.SyncFailure
	if !errors.As(got[0], &sf) {
		t.Fatalf("err = %v, want SyncFailure", got[0])
	}
}

func TestMoveTaskOptimisticThenConfirmed(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newEngine(t, gw)
	seed(st, "7", domain.StatusTodo)

	if err := e.MoveTask("7", domain.StatusDone); err != nil {
		t.Fatalf("move: %v", err)
	}
	// Optimistic change is visible before the gateway answers.
	got, _ := st.TaskByID("7")
	if got.Status != domain.StatusDone {
		t.Fatalf("status = %s immediately after move, want done", got.Status)
	}
	e.Wait()
	got, _ = st.TaskByID("7")
	if got.Status != domain.StatusDone {
		t.Fatalf("status = %s after confirmation, want done", got.Status)
	}
	if prov, _ := st.TaskProvenance("7"); prov != domain.Confirmed {
		t.Fatalf("provenance = %s, want confirmed", prov)
	}
}

func TestMoveTaskRollsBackOnFailure(t *testing.T) {
	gw := &fakeGateway{failUpdate: true}
	e, st, errs := newEngine(t, gw)
	seed(st, "7", domain.StatusTodo)

	if err := e.MoveTask("7", domain.StatusDone); err != nil {
		t.Fatalf("move: %v", err)
	}
	e.Wait()

	got, _ := st.TaskByID("7")
	if got.Status != domain.StatusTodo {
		t.Fatalf("status = %s after failed move, want the original todo", got.Status)
	}
	cols := st.Columns()
	if len(cols[domain.StatusTodo]) != 1 || len(cols[domain.StatusDone]) != 0 {
		t.Fatal("board should render the task back in its original column")
	}
	if len(errs.all()) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs.all()))
	}
}

func TestMoveTaskSameColumnIssuesNoRequest(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newEngine(t, gw)
	seed(st, "7", domain.StatusDoing)

	if err := e.MoveTask("7", domain.StatusDoing); err != nil {
		t.Fatalf("move: %v", err)
	}
	e.Wait()
	if gw.updateCount() != 0 {
		t.Fatal("dropping onto the current column must not issue a request")
	}
}

func TestMoveTaskUnknownIDIgnored(t *testing.T) {
	gw := &fakeGateway{}
	e, _, _ := newEngine(t, gw)

	if err := e.MoveTask("999", domain.StatusDone); err != nil {
		t.Fatalf("move of unknown id should be ignored, got %v", err)
	}
	e.Wait()
	if gw.updateCount() != 0 {
		t.Fatal("no request for an unknown task")
	}
}

func TestMoveTaskRejectsUnknownColumn(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newEngine(t, gw)
	seed(st, "7", domain.StatusTodo)

	err := e.MoveTask("7", domain.Status("archived"))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestDeleteTaskAuthorization(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newEngine(t, gw)
	seed(st, "3", domain.StatusTodo) // created by u5

	err := e.DeleteTask("3", "99")
	var aerr *domain.AuthorizationError
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %v, want AuthorizationError", err)
	}
	if _, ok := st.TaskByID("3"); !ok {
		t.Fatal("task must remain present after a rejected delete")
	}
	e.Wait()
	if gw.deleteCount() != 0 {
		t.Fatal("a rejected delete must never reach the gateway")
	}
}

func TestDeleteTaskByCreator(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newEngine(t, gw)
	seed(st, "3", domain.StatusTodo)

	if err := e.DeleteTask("3", "u5"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	e.Wait()
	if _, ok := st.TaskByID("3"); ok {
		t.Fatal("task should be removed immediately")
	}
	if gw.deleteCount() != 1 {
		t.Fatalf("delete requests = %d, want 1", gw.deleteCount())
	}
}

func TestDeleteTaskIdempotent(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newEngine(t, gw)
	seed(st, "3", domain.StatusTodo)

	if err := e.DeleteTask("3", "u5"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := e.DeleteTask("3", "u5"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	e.Wait()
	if gw.deleteCount() != 1 {
		t.Fatalf("delete requests = %d, want 1", gw.deleteCount())
	}
}

// Failed deletes do not restore the card; only failed moves roll back.
func TestDeleteTaskFailureLeavesTaskRemoved(t *testing.T) {
	gw := &fakeGateway{failDelete: true}
	e, st, errs := newEngine(t, gw)
	seed(st, "3", domain.StatusTodo)

	if err := e.DeleteTask("3", "u5"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	e.Wait()
	if _, ok := st.TaskByID("3"); ok {
		t.Fatal("failed delete must not restore the task")
	}
	if len(errs.all()) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs.all()))
	}
}

func TestLoadBoardSeedsStore(t *testing.T) {
	gw := &fakeGateway{listed: []domain.Task{
		{ID: "1", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow, CreatedBy: "u1", CreatedAt: time.Now()},
		{ID: "2", Title: "b", Status: domain.StatusDone, Priority: domain.PriorityHigh, CreatedBy: "u2", CreatedAt: time.Now()},
	}}
	e, st, _ := newEngine(t, gw)

	if err := e.LoadBoard(context.Background()); err != nil {
		t.Fatalf("load board: %v", err)
	}
	if len(st.Tasks()) != 2 {
		t.Fatalf("store has %d tasks, want 2", len(st.Tasks()))
	}
	cols := e.Columns()
	if len(cols[domain.StatusTodo]) != 1 || len(cols[domain.StatusDone]) != 1 {
		t.Fatalf("unexpected partition: %+v", cols)
	}
}

func TestLoadBoardRefreshesStaleState(t *testing.T) {
	gw := &fakeGateway{listed: []domain.Task{
		{ID: "1", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow, CreatedBy: "u1", CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}}
	e, st, _ := newEngine(t, gw)

	if err := e.LoadBoard(context.Background()); err != nil {
		t.Fatalf("first load: %v", err)
	}

	// Another client moved the task between loads. CreatedAt is immutable,
	// so the reload must still win the merge.
	gw.listed[0].Status = domain.StatusDone
	if err := e.LoadBoard(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}
	got, _ := st.TaskByID("1")
	if got.Status != domain.StatusDone {
		t.Fatalf("status = %s after reload, want done", got.Status)
	}
}

func TestLoadBoardFailure(t *testing.T) {
	gw := &fakeGateway{failList: true}
	e, _, _ := newEngine(t, gw)

	err := e.LoadBoard(context.Background())
	var sf *domain.SyncFailure
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want SyncFailure", err)
	}
}

func seed(st *store.Store, id string, status domain.Status) {
	st.UpsertTask(domain.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    status,
		Priority:  domain.PriorityMedium,
		CreatedBy: "u5",
		CreatedAt: time.Now().UTC(),
	}, store.Meta{Provenance: domain.Confirmed, Source: store.SourceGateway, Stamp: time.Now().UnixNano()})
}
