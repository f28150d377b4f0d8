package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/store"
)

// Gateway is the slice of the persistence API the feed engine uses.
type Gateway interface {
	ListMessages(ctx context.Context, skip, limit int) ([]domain.Message, error)
	CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Channel is the push fan-out surface. A nil or disconnected channel puts the
// engine in degraded mode: sends still persist through the gateway, they just
// lose live fan-out until the channel comes back.
type Channel interface {
	Publish(ctx context.Context, ev domain.Event) error
	Connected() bool
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	PageSize     int
	Timeout      time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxAttempts  int
	QueueCap     int
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 64
	}
}

// Engine maintains the ordered, deduplicated message feed from the push
// channel and the persistence gateway, and owns the resend queue for sends
// that could not complete.
type Engine struct {
	store      *store.Store
	gw         Gateway
	ch         Channel
	logger     *log.Logger
	authorID   string
	authorName string
	room       string
	cfg        Config

	seq     atomic.Int64
	queue   *resendQueue
	kick    chan struct{}
	onError func(error)
	wg      sync.WaitGroup
}

// New creates a feed engine sending as the given author. ch may be nil when
// no push channel is available.
func New(st *store.Store, gw Gateway, ch Channel, authorID, authorName, room string, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg.applyDefaults()
	return &Engine{
		store:      st,
		gw:         gw,
		ch:         ch,
		logger:     logger,
		authorID:   authorID,
		authorName: authorName,
		room:       room,
		cfg:        cfg,
		queue:      newResendQueue(cfg.QueueCap),
		kick:       make(chan struct{}, 1),
	}
}

// OnError registers a hook for asynchronous sync failures.
func (e *Engine) OnError(fn func(error)) { e.onError = fn }

// Wait blocks until in-flight gateway requests have settled.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) fail(err error) {
	e.logger.WithField("error", err).Warn("feed sync failure")
	if e.onError != nil {
		e.onError(err)
	}
}

func (e *Engine) async(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (e *Engine) nextLocalID() string {
	return store.LocalIDPrefix + strconv.FormatInt(e.seq.Add(1), 10)
}

// LoadHistory pages through the persisted message list and seeds the store
// with confirmed entries ordered by creation time.
func (e *Engine) LoadHistory(ctx context.Context) error {
	skip := 0
	for {
		page, err := e.gw.ListMessages(ctx, skip, e.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, m := range page {
			e.store.UpsertMessage(m, store.Meta{
				Provenance: domain.Confirmed,
				Source:     store.SourceGateway,
				Stamp:      m.CreatedAt.UnixNano(),
			})
		}
		if len(page) < e.cfg.PageSize {
			return nil
		}
		skip += len(page)
	}
}

// OnPushEvent ingests one frame from the push channel. Frames come from the
// server relay, not from the sender's optimistic guess, so they are upserted
// as confirmed; the store's fingerprint match collapses the sender's own echo
// onto the pending entry.
func (e *Engine) OnPushEvent(ev domain.Event) {
	switch ev.Type {
	case domain.MessageCreated:
		var data domain.MessageEventData
		if err := sonic.Unmarshal(ev.Data, &data); err != nil {
			e.logger.WithField("error", err).Warn("unparsable push frame")
			return
		}
		if strings.TrimSpace(data.Content) == "" {
			return
		}
		createdAt := time.Now().UTC()
		if data.CreatedAt != nil {
			createdAt = *data.CreatedAt
		}
		id := data.ID
		if id == "" {
			id = e.nextLocalID()
		}
		e.store.UpsertMessage(domain.Message{
			ID:         id,
			Content:    data.Content,
			AuthorID:   data.AuthorID,
			AuthorName: data.AuthorName,
			CreatedAt:  createdAt,
		}, store.Meta{
			Provenance: domain.Confirmed,
			Source:     store.SourcePush,
			Stamp:      createdAt.UnixNano(),
		})
	case domain.MessageDeleted:
		var data domain.MessageDeletedData
		if err := sonic.Unmarshal(ev.Data, &data); err != nil {
			e.logger.WithField("error", err).Warn("unparsable push frame")
			return
		}
		e.store.RemoveMessage(data.ID)
	default:
		e.logger.WithField("type", ev.Type).Debug("ignoring unknown push frame")
	}
}

// SendMessage appends a pending-local entry so the sender's own view updates
// immediately, then fans the send out over the push channel and persists it
// through the gateway as two independent legs. Whichever confirmation comes
// back first replaces the pending entry; the second collapses onto it.
func (e *Engine) SendMessage(content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, &domain.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	m := domain.Message{
		ID:         e.nextLocalID(),
		Content:    content,
		AuthorID:   e.authorID,
		AuthorName: e.authorName,
		CreatedAt:  time.Now().UTC(),
	}
	e.store.UpsertMessage(m, store.Meta{
		Provenance: domain.PendingLocal,
		Source:     store.SourceLocal,
		Stamp:      m.CreatedAt.UnixNano(),
	})
	job := &sendJob{msgID: m.ID, publish: e.ch != nil, persist: true}
	e.async(func(ctx context.Context) {
		e.attempt(ctx, job)
	})
	return m, nil
}

// Retry re-arms a terminally failed message for another round of attempts.
func (e *Engine) Retry(id string) bool {
	prov, ok := e.store.MessageProvenance(id)
	if !ok || prov != domain.Failed {
		return false
	}
	e.store.MarkMessage(id, domain.PendingLocal)
	e.enqueue(&sendJob{msgID: id, publish: e.ch != nil, persist: true})
	return true
}

// DeleteMessage removes a message. Author-only, idempotent, and like task
// deletion the optimistic removal is not restored on gateway failure.
func (e *Engine) DeleteMessage(id, requesterID string) error {
	m, ok := e.store.MessageByID(id)
	if !ok {
		return nil
	}
	if m.AuthorID != requesterID {
		return &domain.AuthorizationError{Action: "delete message", Requester: requesterID, Owner: m.AuthorID}
	}
	e.store.RemoveMessage(id)
	if store.IsLocalID(id) {
		return nil
	}
	e.async(func(ctx context.Context) {
		if err := e.gw.DeleteMessage(ctx, id); err != nil {
			e.fail(&domain.SyncFailure{Op: "delete message", EntityID: id, Err: err})
			return
		}
		e.broadcastDelete(ctx, id)
	})
	return nil
}

func (e *Engine) broadcastDelete(ctx context.Context, id string) {
	if e.ch == nil || !e.ch.Connected() {
		return
	}
	data, err := sonic.Marshal(domain.MessageDeletedData{ID: id})
	if err != nil {
		return
	}
	ev := domain.Event{Type: domain.MessageDeleted, Room: e.room, Data: data, Time: time.Now().UnixNano()}
	if err := e.ch.Publish(ctx, ev); err != nil {
		e.logger.WithField("error", err).Debug("delete fan-out skipped")
	}
}

// ChannelStatus is wired as the push channel's status hook. A reconnect
// flushes whatever the queue accumulated while the channel was down.
func (e *Engine) ChannelStatus(connected bool) {
	if connected {
		e.logger.Info("push channel connected")
		select {
		case e.kick <- struct{}{}:
		default:
		}
		return
	}
	e.logger.Warn("push channel lost, entering degraded mode")
}

// Run drives the resend queue until ctx is cancelled. Retries back off
// exponentially and reset on progress or on a reconnect kick.
func (e *Engine) Run(ctx context.Context) {
	backoff := e.cfg.RetryInitial
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
			backoff = e.cfg.RetryInitial
		case <-time.After(backoff):
		}
		if e.Flush(ctx) {
			backoff = e.cfg.RetryInitial
		} else {
			backoff = min(backoff*2, e.cfg.RetryMax)
		}
	}
}

// Flush attempts every queued job once and reports whether any leg
// progressed. Exposed for shutdown and tests; Run calls it on its own.
func (e *Engine) Flush(ctx context.Context) bool {
	progressed := false
	for _, job := range e.queue.drain() {
		if e.attempt(ctx, job) {
			progressed = true
		}
	}
	return progressed
}

// requeue puts an unfinished job back without kicking the run loop, so a
// down backend is retried on the backoff schedule instead of a hot loop.
func (e *Engine) requeue(job *sendJob) {
	if !e.queue.push(job) {
		e.logger.WithField("message", job.msgID).Error("resend queue full")
		e.store.MarkMessage(job.msgID, domain.Failed)
		e.fail(&domain.SyncFailure{Op: "send message", EntityID: job.msgID, Err: domain.ErrSendRetriesExhausted})
	}
}

func (e *Engine) enqueue(job *sendJob) {
	e.requeue(job)
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// attempt runs the outstanding legs of one send. Unfinished jobs go back to
// the queue until the retry ceiling, after which an unpersisted message is
// parked in the failed state for an explicit user retry. A persisted message
// whose fan-out keeps failing is dropped quietly: the gateway already has it,
// other clients will see it on their next history load.
func (e *Engine) attempt(ctx context.Context, job *sendJob) bool {
	m, ok := e.store.MessageByID(job.msgID)
	if !ok {
		// Deleted while queued.
		return false
	}
	progressed := false
	if job.publish {
		if err := e.publishCreate(ctx, m); err != nil {
			e.logger.WithFields(log.Fields{"message": job.msgID, "error": err}).Debug("fan-out attempt failed")
		} else {
			job.publish = false
			progressed = true
		}
	}
	if job.persist {
		confirmed, err := e.gw.CreateMessage(ctx, m)
		if err != nil {
			e.logger.WithFields(log.Fields{"message": job.msgID, "error": err}).Debug("persist attempt failed")
		} else {
			job.persist = false
			progressed = true
			// The response is correlated with this send, so re-key the entry
			// directly instead of trusting the fingerprint: the server may
			// stamp created_at with its persist time, outside the tolerance.
			if e.store.ReindexMessage(job.msgID, confirmed) {
				// Follow the server id so a still-pending fan-out leg finds
				// the message on the next pass.
				job.msgID = confirmed.ID
			}
		}
	}
	if !job.publish && !job.persist {
		return progressed
	}
	job.attempts++
	if job.attempts >= e.cfg.MaxAttempts {
		if job.persist {
			e.store.MarkMessage(job.msgID, domain.Failed)
			e.fail(&domain.SyncFailure{Op: "send message", EntityID: job.msgID, Err: domain.ErrSendRetriesExhausted})
		} else {
			e.logger.WithField("message", job.msgID).Warn("dropping fan-out after retry ceiling")
		}
		return progressed
	}
	e.requeue(job)
	return progressed
}

func (e *Engine) publishCreate(ctx context.Context, m domain.Message) error {
	if !e.ch.Connected() {
		return &domain.ChannelUnavailable{Err: fmt.Errorf("not connected")}
	}
	createdAt := m.CreatedAt
	data, err := sonic.Marshal(domain.MessageEventData{
		ID:         serverID(m.ID),
		Content:    m.Content,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		CreatedAt:  &createdAt,
	})
	if err != nil {
		return err
	}
	ev := domain.Event{Type: domain.MessageCreated, Room: e.room, Data: data, Time: time.Now().UnixNano()}
	if err := e.ch.Publish(ctx, ev); err != nil {
		return &domain.ChannelUnavailable{Err: err}
	}
	return nil
}

// serverID strips local placeholders from outgoing frames; receivers key the
// frame by fingerprint instead.
func serverID(id string) string {
	if store.IsLocalID(id) {
		return ""
	}
	return id
}

// Messages returns the current feed snapshot.
func (e *Engine) Messages() []domain.Message {
	return e.store.Messages()
}
