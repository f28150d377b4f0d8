package board

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"boardsync/domain"
)

var errBackendDown = errors.New("backend down")

// fakeGateway answers synchronously so engine goroutines settle as soon as
// Wait returns.
type fakeGateway struct {
	mu sync.Mutex

	nextID  int64
	listed  []domain.Task
	created []domain.Task
	updated []string
	deleted []string

	failCreate bool
	failUpdate bool
	failDelete bool
	failList   bool
}

func (f *fakeGateway) CreateTask(ctx context.Context, draft domain.Task) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return domain.Task{}, errBackendDown
	}
	f.nextID++
	confirmed := draft
	confirmed.ID = strconv.FormatInt(f.nextID, 10)
	f.created = append(f.created, confirmed)
	return confirmed, nil
}

func (f *fakeGateway) UpdateTaskStatus(ctx context.Context, id string, status domain.Status) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate {
		return domain.Task{}, errBackendDown
	}
	f.updated = append(f.updated, id+":"+string(status))
	return domain.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    status,
		Priority:  domain.PriorityMedium,
		CreatedBy: "u1",
	}, nil
}

func (f *fakeGateway) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return errBackendDown
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeGateway) ListTasks(ctx context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errBackendDown
	}
	return f.listed, nil
}

func (f *fakeGateway) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updated)
}

func (f *fakeGateway) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}
