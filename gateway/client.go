package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Client is the HTTP persistence gateway: durable CRUD over the tasks and
// messages collections. Server-assigned integer ids travel as decimal
// strings inside the core.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

// Option tweaks client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a gateway client for the given base URL.
func New(baseURL string, logger *log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Body)
}

type taskPayload struct {
	ID          int64    `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority"`
	AssignedTo  string   `json:"assigned_to,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	CreatedAt   jsonTime `json:"created_at,omitempty"`
}

type messagePayload struct {
	ID         int64    `json:"id,omitempty"`
	Content    string   `json:"content"`
	AuthorID   string   `json:"author_id,omitempty"`
	AuthorName string   `json:"author_name,omitempty"`
	CreatedAt  jsonTime `json:"created_at,omitempty"`
}

type jsonTime struct {
	time.Time
}

func (t jsonTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

func (t *jsonTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// The backend emits timestamps without a zone marker; read them
		// as UTC.
		parsed, err = time.Parse("2006-01-02T15:04:05.999999", s)
		if err != nil {
			return err
		}
		parsed = parsed.UTC()
	}
	t.Time = parsed
	return nil
}

func decodeTask(p taskPayload) (domain.Task, error) {
	status := domain.Status(p.Status)
	if !status.Valid() {
		return domain.Task{}, fmt.Errorf("unrecognized task status %q", p.Status)
	}
	priority := domain.Priority(p.Priority)
	if !priority.Valid() {
		return domain.Task{}, fmt.Errorf("unrecognized task priority %q", p.Priority)
	}
	t := domain.Task{
		ID:          strconv.FormatInt(p.ID, 10),
		Title:       p.Title,
		Description: p.Description,
		Status:      status,
		Priority:    priority,
		AssignedTo:  p.AssignedTo,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   p.CreatedAt.Time,
	}
	if p.DueDate != nil && *p.DueDate != "" {
		due, err := time.Parse("2006-01-02", *p.DueDate)
		if err != nil {
			return domain.Task{}, fmt.Errorf("bad due date %q: %w", *p.DueDate, err)
		}
		t.DueDate = &due
	}
	return t, nil
}

func encodeTask(t domain.Task) taskPayload {
	p := taskPayload{
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		AssignedTo:  t.AssignedTo,
		CreatedBy:   t.CreatedBy,
	}
	if t.DueDate != nil {
		due := t.DueDate.Format("2006-01-02")
		p.DueDate = &due
	}
	return p
}

func decodeMessage(p messagePayload) domain.Message {
	return domain.Message{
		ID:         strconv.FormatInt(p.ID, 10),
		Content:    p.Content,
		AuthorID:   p.AuthorID,
		AuthorName: p.AuthorName,
		CreatedAt:  p.CreatedAt.Time,
	}
}

// do performs one request/response round trip, recording a span and an
// observability event for it. out may be nil for responses without a body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	metrics, ctx := newRequestMetrics(ctx, method, path, c.logger)
	status, err := c.roundTrip(ctx, method, path, in, out, metrics)
	metrics.Log(status, err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any, metrics *requestMetrics) (int, error) {
	var body io.Reader
	if in != nil {
		encodeStart := time.Now()
		data, err := sonic.Marshal(in)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	sendStart := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveSend(time.Since(sendStart))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	decodeStart := time.Now()
	err = sonic.Unmarshal(data, out)
	metrics.ObserveDecode(time.Since(decodeStart))
	if err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// isNotFound reports whether err is a 404 response. Deletes treat it as
// success so deletion stays idempotent end to end.
func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// ListTasks fetches the full task list.
func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var payloads []taskPayload
	if err := c.do(ctx, http.MethodGet, "/planner/", nil, &payloads); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(payloads))
	for _, p := range payloads {
		t, err := decodeTask(p)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CreateTask persists a new task and returns the confirmed entity with its
// server-assigned id.
func (c *Client) CreateTask(ctx context.Context, draft domain.Task) (domain.Task, error) {
	var out taskPayload
	if err := c.do(ctx, http.MethodPost, "/planner/", encodeTask(draft), &out); err != nil {
		return domain.Task{}, err
	}
	return decodeTask(out)
}

// UpdateTaskStatus moves a task to another column.
func (c *Client) UpdateTaskStatus(ctx context.Context, id string, status domain.Status) (domain.Task, error) {
	var out taskPayload
	path := "/planner/" + url.PathEscape(id) + "/status?status=" + url.QueryEscape(string(status))
	if err := c.do(ctx, http.MethodPatch, path, nil, &out); err != nil {
		return domain.Task{}, err
	}
	return decodeTask(out)
}

// DeleteTask removes a task. A 404 counts as success.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/planner/"+url.PathEscape(id), nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// ListMessages fetches one page of feed history.
func (c *Client) ListMessages(ctx context.Context, skip, limit int) ([]domain.Message, error) {
	var payloads []messagePayload
	path := fmt.Sprintf("/messages/?skip=%d&limit=%d", skip, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &payloads); err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(payloads))
	for _, p := range payloads {
		msgs = append(msgs, decodeMessage(p))
	}
	return msgs, nil
}

// CreateMessage persists a message and returns the confirmed entity.
func (c *Client) CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	in := messagePayload{Content: m.Content, AuthorID: m.AuthorID, AuthorName: m.AuthorName}
	var out messagePayload
	if err := c.do(ctx, http.MethodPost, "/messages/", in, &out); err != nil {
		return domain.Message{}, err
	}
	return decodeMessage(out), nil
}

// DeleteMessage removes a message. A 404 counts as success.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}
