package feed

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"boardsync/domain"
)

var errBackendDown = errors.New("backend down")

// fakeGateway answers synchronously so engine goroutines settle as soon as
// Wait returns.
type fakeGateway struct {
	mu sync.Mutex

	nextID  int64
	history []domain.Message
	created []domain.Message
	deleted []string
	skips   []int

	// stampShift moves created_at on confirmations, mimicking a backend
	// that stamps at persist time instead of echoing the client clock.
	stampShift time.Duration

	failCreate bool
	failDelete bool
	failList   bool
}

func (f *fakeGateway) ListMessages(ctx context.Context, skip, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errBackendDown
	}
	f.skips = append(f.skips, skip)
	if skip >= len(f.history) {
		return nil, nil
	}
	end := skip + limit
	if end > len(f.history) {
		end = len(f.history)
	}
	return f.history[skip:end], nil
}

func (f *fakeGateway) CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return domain.Message{}, errBackendDown
	}
	f.nextID++
	confirmed := m
	confirmed.ID = strconv.FormatInt(f.nextID, 10)
	confirmed.CreatedAt = m.CreatedAt.Add(f.stampShift)
	f.created = append(f.created, confirmed)
	return confirmed, nil
}

func (f *fakeGateway) DeleteMessage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return errBackendDown
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeGateway) setFailCreate(v bool) {
	f.mu.Lock()
	f.failCreate = v
	f.mu.Unlock()
}

func (f *fakeGateway) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeGateway) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	published []domain.Event
	failPub   bool
}

func (c *fakeChannel) Publish(ctx context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPub {
		return errBackendDown
	}
	c.published = append(c.published, ev)
	return nil
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeChannel) events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.published...)
}
