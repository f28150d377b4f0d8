package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const (
	// DefaultGraceWindow is how long a delete tombstone keeps absorbing
	// updates for the same id before an update is treated as a re-creation.
	DefaultGraceWindow = 5 * time.Second
	// DefaultFingerprintTolerance is the bucket width used when matching
	// message timestamps across the push channel and the gateway.
	DefaultFingerprintTolerance = 2 * time.Second
)

// Observer is notified after every accepted mutation. Observers re-read the
// store through its snapshot accessors; there is no other read surface.
type Observer func()

// LocalIDPrefix marks ids generated client-side for entities the server has
// not assigned an id to yet.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id is a client-generated placeholder.
func IsLocalID(id string) bool { return strings.HasPrefix(id, LocalIDPrefix) }

type taskEntry struct {
	task domain.Task
	meta Meta
}

type messageEntry struct {
	msg  domain.Message
	meta Meta
	fp   string
}

// Store is the single authoritative local copy of tasks and messages. All
// writes go through Upsert/Remove/Reindex/Mutate; reconciliation of colliding
// representations happens inside, per id, via the resolve policy.
type Store struct {
	logger      *log.Logger
	graceWindow time.Duration
	tolerance   time.Duration
	now         func() time.Time

	mu           sync.Mutex
	tasks        map[string]*taskEntry
	messages     map[string]*messageEntry
	msgIDByFP    map[string]string
	taskTombs    map[string]time.Time
	messageTombs map[string]time.Time
	msgFPTombs   map[string]time.Time
	observers    []Observer
}

// Option tweaks store construction.
type Option func(*Store)

// WithGraceWindow overrides the tombstone grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Store) { s.graceWindow = d }
}

// WithFingerprintTolerance overrides the message identity bucket width.
func WithFingerprintTolerance(d time.Duration) Option {
	return func(s *Store) { s.tolerance = d }
}

// New creates an empty store.
func New(logger *log.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Store{
		logger:       logger,
		graceWindow:  DefaultGraceWindow,
		tolerance:    DefaultFingerprintTolerance,
		now:          time.Now,
		tasks:        map[string]*taskEntry{},
		messages:     map[string]*messageEntry{},
		msgIDByFP:    map[string]string{},
		taskTombs:    map[string]time.Time{},
		messageTombs: map[string]time.Time{},
		msgFPTombs:   map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers an observer. Observers run after the store lock is
// released and must not mutate the store from within the callback chain.
func (s *Store) Subscribe(obs Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, obs)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, obs := range observers {
		obs()
	}
}

// tombstoned reports whether id is still inside the delete grace window.
// Expired tombstones are dropped so a later update re-creates the entity.
func tombstoned(tombs map[string]time.Time, id string, now time.Time, grace time.Duration) bool {
	at, ok := tombs[id]
	if !ok {
		return false
	}
	if now.Sub(at) < grace {
		return true
	}
	delete(tombs, id)
	return false
}

// UpsertTask inserts or reconciles a task representation. It reports whether
// the incoming representation was accepted.
func (s *Store) UpsertTask(t domain.Task, meta Meta) bool {
	if !t.Status.Valid() {
		s.logger.WithFields(log.Fields{"task": t.ID, "status": t.Status}).Warn("rejected task with unknown status")
		return false
	}
	s.mu.Lock()
	if tombstoned(s.taskTombs, t.ID, s.now(), s.graceWindow) {
		s.mu.Unlock()
		s.logger.WithField("task", t.ID).Debug("dropped update for tombstoned task")
		return false
	}
	entry, ok := s.tasks[t.ID]
	if ok && !resolve(entry.meta, meta) {
		s.mu.Unlock()
		return false
	}
	s.tasks[t.ID] = &taskEntry{task: t, meta: meta}
	s.mu.Unlock()
	s.notify()
	return true
}

// pruneTombs drops tombstones older than the grace window so the maps stay
// proportional to recent deletes.
func pruneTombs(tombs map[string]time.Time, now time.Time, grace time.Duration) {
	for id, at := range tombs {
		if now.Sub(at) >= grace {
			delete(tombs, id)
		}
	}
}

// RemoveTask deletes a task and records a tombstone. Removing an absent id is
// a no-op.
func (s *Store) RemoveTask(id string) bool {
	s.mu.Lock()
	_, existed := s.tasks[id]
	delete(s.tasks, id)
	pruneTombs(s.taskTombs, s.now(), s.graceWindow)
	s.taskTombs[id] = s.now()
	s.mu.Unlock()
	if existed {
		s.notify()
	}
	return existed
}

// ReindexTask re-keys a pending-local task to its server-assigned id once the
// gateway confirms the create. Any column the user dragged the task to while
// the create was in flight is preserved over the snapshot the server
// returned.
func (s *Store) ReindexTask(oldLocalID string, confirmed domain.Task) bool {
	s.mu.Lock()
	entry, ok := s.tasks[oldLocalID]
	if !ok {
		s.mu.Unlock()
		s.logger.WithField("task", oldLocalID).Warn("reindex for unknown local id")
		return false
	}
	confirmed.Status = entry.task.Status
	delete(s.tasks, oldLocalID)
	s.tasks[confirmed.ID] = &taskEntry{
		task: confirmed,
		meta: Meta{Provenance: domain.Confirmed, Source: SourceGateway, Stamp: s.now().UnixNano()},
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// MutateTaskStatus applies an optimistic local status change and returns the
// snapshot the caller must restore if the gateway rejects it.
func (s *Store) MutateTaskStatus(id string, status domain.Status) (domain.Task, bool) {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, false
	}
	prev := entry.task
	entry.task.Status = status
	entry.meta = Meta{Provenance: domain.PendingLocal, Source: SourceLocal, Stamp: s.now().UnixNano()}
	s.mu.Unlock()
	s.notify()
	return prev, true
}

// RollbackTask restores the last confirmed snapshot after a failed optimistic
// mutation. The entry passes through the rolling-back state so observers can
// tell a revert from a fresh confirmation.
func (s *Store) RollbackTask(prev domain.Task) {
	s.mu.Lock()
	entry, ok := s.tasks[prev.ID]
	if ok {
		entry.meta.Provenance = domain.RollingBack
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	s.mu.Lock()
	s.tasks[prev.ID] = &taskEntry{
		task: prev,
		meta: Meta{Provenance: domain.Confirmed, Source: SourceLocal, Stamp: s.now().UnixNano()},
	}
	s.mu.Unlock()
	s.notify()
}

// TaskByID returns a copy of the task with the given id.
func (s *Store) TaskByID(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return entry.task, true
}

// TaskProvenance returns the provenance tag of the task with the given id.
func (s *Store) TaskProvenance(id string) (domain.Provenance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return entry.meta.Provenance, true
}

// Tasks returns all tasks ordered by creation time then id.
func (s *Store) Tasks() []domain.Task {
	s.mu.Lock()
	tasks := make([]domain.Task, 0, len(s.tasks))
	for _, entry := range s.tasks {
		tasks = append(tasks, entry.task)
	}
	s.mu.Unlock()
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// Columns partitions tasks by status in the fixed board column order.
func (s *Store) Columns() map[domain.Status][]domain.Task {
	cols := make(map[domain.Status][]domain.Task, len(domain.Columns))
	for _, st := range domain.Columns {
		cols[st] = []domain.Task{}
	}
	for _, t := range s.Tasks() {
		cols[t.Status] = append(cols[t.Status], t)
	}
	return cols
}

func (s *Store) fingerprint(m domain.Message) string {
	return domain.Fingerprint(m.AuthorID, m.Content, domain.FingerprintBucket(m.CreatedAt, s.tolerance))
}

// lookupByFingerprint probes the message's bucket and both neighbours so
// representations whose timestamps fall on either side of a bucket boundary
// still collapse.
func (s *Store) lookupByFingerprint(m domain.Message) (string, bool) {
	bucket := domain.FingerprintBucket(m.CreatedAt, s.tolerance)
	for _, b := range [3]int64{bucket, bucket - 1, bucket + 1} {
		if id, ok := s.msgIDByFP[domain.Fingerprint(m.AuthorID, m.Content, b)]; ok {
			return id, true
		}
	}
	return "", false
}

// UpsertMessage inserts or reconciles a message representation. Collisions
// are detected by id first and by fingerprint second, so a push frame and a
// gateway response for the same logical send collapse to one entry even when
// their ids differ. The surviving entry keeps the server id when either side
// has one.
func (s *Store) UpsertMessage(m domain.Message, meta Meta) bool {
	s.mu.Lock()
	if tombstoned(s.messageTombs, m.ID, s.now(), s.graceWindow) || s.tombstonedByFingerprint(m) {
		s.mu.Unlock()
		s.logger.WithField("message", m.ID).Debug("dropped update for tombstoned message")
		return false
	}
	existingID := m.ID
	entry, ok := s.messages[existingID]
	if !ok {
		if fpID, found := s.lookupByFingerprint(m); found {
			existingID = fpID
			entry, ok = s.messages[existingID]
		}
	}
	if !ok {
		fp := s.fingerprint(m)
		s.messages[m.ID] = &messageEntry{msg: m, meta: meta, fp: fp}
		s.msgIDByFP[fp] = m.ID
		s.mu.Unlock()
		s.notify()
		return true
	}
	if !resolve(entry.meta, meta) {
		s.mu.Unlock()
		return false
	}
	// The incoming representation wins, but a local id is only a placeholder:
	// the entry stays keyed by the existing id unless the incoming side
	// carries a server id.
	if IsLocalID(m.ID) {
		m.ID = existingID
	}
	delete(s.messages, existingID)
	delete(s.msgIDByFP, entry.fp)
	fp := s.fingerprint(m)
	s.messages[m.ID] = &messageEntry{msg: m, meta: meta, fp: fp}
	s.msgIDByFP[fp] = m.ID
	s.mu.Unlock()
	s.notify()
	return true
}

// tombstonedByFingerprint reports whether a representation matches the
// fingerprint of a recently deleted message. A push echo carries no server id
// and arrives under a fresh synthesized key, so the id tombstone alone would
// let it resurrect its own deleted message.
func (s *Store) tombstonedByFingerprint(m domain.Message) bool {
	bucket := domain.FingerprintBucket(m.CreatedAt, s.tolerance)
	for _, b := range [3]int64{bucket, bucket - 1, bucket + 1} {
		if tombstoned(s.msgFPTombs, domain.Fingerprint(m.AuthorID, m.Content, b), s.now(), s.graceWindow) {
			return true
		}
	}
	return false
}

// RemoveMessage deletes a message and records tombstones for both its id and
// its fingerprint. Removing an absent id is a no-op.
func (s *Store) RemoveMessage(id string) bool {
	s.mu.Lock()
	entry, existed := s.messages[id]
	if existed {
		delete(s.messages, id)
		delete(s.msgIDByFP, entry.fp)
		pruneTombs(s.msgFPTombs, s.now(), s.graceWindow)
		s.msgFPTombs[entry.fp] = s.now()
	}
	pruneTombs(s.messageTombs, s.now(), s.graceWindow)
	s.messageTombs[id] = s.now()
	s.mu.Unlock()
	if existed {
		s.notify()
	}
	return existed
}

// ReindexMessage re-keys a pending-local message to its server-assigned id
// once the gateway confirms the persist. The gateway response is correlated
// with the send that produced it, so this path does not depend on fingerprint
// matching; the server may stamp created_at with its own persist time, well
// outside the fingerprint tolerance. Reports false when the local entry is
// gone, deleted or already re-keyed.
func (s *Store) ReindexMessage(oldLocalID string, confirmed domain.Message) bool {
	s.mu.Lock()
	entry, ok := s.messages[oldLocalID]
	if !ok {
		s.mu.Unlock()
		s.logger.WithField("message", oldLocalID).Debug("reindex for unknown local id")
		return false
	}
	delete(s.messages, oldLocalID)
	delete(s.msgIDByFP, entry.fp)
	fp := s.fingerprint(confirmed)
	s.messages[confirmed.ID] = &messageEntry{
		msg:  confirmed,
		meta: Meta{Provenance: domain.Confirmed, Source: SourceGateway, Stamp: s.now().UnixNano()},
		fp:   fp,
	}
	s.msgIDByFP[fp] = confirmed.ID
	s.mu.Unlock()
	s.notify()
	return true
}

// MarkMessage re-tags a message's provenance without touching its fields.
// The feed engine uses it to park exhausted sends in the failed state and to
// re-arm them when the user retries.
func (s *Store) MarkMessage(id string, p domain.Provenance) bool {
	s.mu.Lock()
	entry, ok := s.messages[id]
	if ok {
		entry.meta.Provenance = p
		entry.meta.Stamp = s.now().UnixNano()
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// MessageByID returns a copy of the message with the given id.
func (s *Store) MessageByID(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.messages[id]
	if !ok {
		return domain.Message{}, false
	}
	return entry.msg, true
}

// MessageProvenance returns the provenance tag of the message with the given
// id.
func (s *Store) MessageProvenance(id string) (domain.Provenance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.messages[id]
	if !ok {
		return "", false
	}
	return entry.meta.Provenance, true
}

// Messages returns the feed ordered by creation time ascending. A frame that
// arrives late slots into its sorted position instead of the tail.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	msgs := make([]domain.Message, 0, len(s.messages))
	for _, entry := range s.messages {
		msgs = append(msgs, entry.msg)
	}
	s.mu.Unlock()
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}
