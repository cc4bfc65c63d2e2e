// Package pushworker implements the PushWorker capability of spec.md
// §4.6: external dispatch targets, identified by a Task's
// push_destination string, that accept a batch of TaskInstances for
// execution and report their states back. The Pusher loop is the only
// caller; neither operation here touches the store.
package pushworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	resty "github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskflow/internal/model"
)

// DispatchResult is PushWorker.pushTaskInstances's per-instance outcome.
type DispatchResult struct {
	PushData []byte
	Err      error
}

// SyncResult is PushWorker.syncTaskInstanceStates's per-instance outcome.
type SyncResult struct {
	Status    model.TaskInstanceStatus
	StartedAt *time.Time
	EndedAt   *time.Time
	Message   string
}

// PushWorker is the external capability spec.md §4.6 describes. Both
// operations must be idempotent on the push side: re-submitting an
// instance the worker already knows must report its current state, not
// double-execute it.
type PushWorker interface {
	PushTaskInstances(ctx context.Context, batch []model.TaskInstance) (map[int64]DispatchResult, error)
	SyncTaskInstanceStates(ctx context.Context, batch []model.TaskInstance) (map[int64]SyncResult, error)
}

// Registry resolves a Task's push_destination string to the PushWorker
// that handles it.
type Registry struct {
	workers map[string]PushWorker
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]PushWorker)}
}

// Register binds destination to w, overwriting any prior binding.
func (r *Registry) Register(destination string, w PushWorker) {
	r.workers[destination] = w
}

// Get looks up the PushWorker for a push_destination tag.
func (r *Registry) Get(destination string) (PushWorker, bool) {
	w, ok := r.workers[destination]
	return w, ok
}

// resultCache remembers the last dispatch/sync outcome per TaskInstance
// ID so a worker implementation can satisfy the idempotent-resubmission
// requirement without its own bookkeeping: an LRU bounds memory use
// while keeping lookups O(1).
type resultCache struct {
	dispatch *lru.Cache[int64, DispatchResult]
	sync     *lru.Cache[int64, SyncResult]
}

func newResultCache(size int) *resultCache {
	d, _ := lru.New[int64, DispatchResult](size)
	s, _ := lru.New[int64, SyncResult](size)
	return &resultCache{dispatch: d, sync: s}
}

// HTTPPushWorker dispatches task instances as HTTP POST requests and
// polls a status endpoint for sync. Push params travel as opaque JSON,
// so there is no template interpolation step; resty's underlying
// *http.Client gives it connection pooling for free.
type HTTPPushWorker struct {
	client      *resty.Client
	dispatchURL string // e.g. https://worker.internal/dispatch
	statusURL   string // e.g. https://worker.internal/status
	cache       *resultCache
	tracer      trace.Tracer
}

// NewHTTPPushWorker builds an HTTPPushWorker. cacheSize bounds the
// idempotency cache (0 defaults to 1024 entries).
func NewHTTPPushWorker(dispatchURL, statusURL string, cacheSize int) *HTTPPushWorker {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &HTTPPushWorker{
		client: resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(0), // retry policy lives in the Pusher, not here
		dispatchURL: dispatchURL,
		statusURL:   statusURL,
		cache:       newResultCache(cacheSize),
		tracer:      otel.Tracer("taskflow-pushworker-http"),
	}
}

type httpDispatchRequest struct {
	TaskInstanceID int64           `json:"task_instance_id"`
	Task           string          `json:"task"`
	Params         json.RawMessage `json:"params,omitempty"`
}

type httpDispatchResponse struct {
	TaskInstanceID int64  `json:"task_instance_id"`
	OK             bool   `json:"ok"`
	PushData       []byte `json:"push_data,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (w *HTTPPushWorker) PushTaskInstances(ctx context.Context, batch []model.TaskInstance) (map[int64]DispatchResult, error) {
	ctx, span := w.tracer.Start(ctx, "pushworker.http.dispatch", trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	out := make(map[int64]DispatchResult, len(batch))
	pending := batch[:0:0]
	for _, ti := range batch {
		if cached, ok := w.cache.dispatch.Get(ti.ID); ok {
			out[ti.ID] = cached
			continue
		}
		pending = append(pending, ti)
	}
	if len(pending) == 0 {
		return out, nil
	}

	reqBody := make([]httpDispatchRequest, len(pending))
	for i, ti := range pending {
		reqBody[i] = httpDispatchRequest{TaskInstanceID: ti.ID, Task: ti.Task, Params: ti.Params}
	}

	var respBody []httpDispatchResponse
	resp, err := w.client.R().SetContext(ctx).SetBody(reqBody).SetResult(&respBody).Post(w.dispatchURL)
	if err != nil {
		return nil, fmt.Errorf("pushworker.http: dispatch request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("pushworker.http: dispatch status %d: %s", resp.StatusCode(), resp.String())
	}

	for _, r := range respBody {
		var result DispatchResult
		if r.OK {
			result = DispatchResult{PushData: r.PushData}
		} else {
			result = DispatchResult{Err: fmt.Errorf("pushworker.http: %s", r.Error)}
		}
		w.cache.dispatch.Add(r.TaskInstanceID, result)
		out[r.TaskInstanceID] = result
	}
	return out, nil
}

type httpStatusRequest struct {
	TaskInstanceIDs []int64 `json:"task_instance_ids"`
}

type httpStatusResponse struct {
	TaskInstanceID int64      `json:"task_instance_id"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Message        string     `json:"message,omitempty"`
}

func (w *HTTPPushWorker) SyncTaskInstanceStates(ctx context.Context, batch []model.TaskInstance) (map[int64]SyncResult, error) {
	ctx, span := w.tracer.Start(ctx, "pushworker.http.sync", trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	if len(batch) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(batch))
	for i, ti := range batch {
		ids[i] = ti.ID
	}

	var respBody []httpStatusResponse
	resp, err := w.client.R().SetContext(ctx).SetBody(httpStatusRequest{TaskInstanceIDs: ids}).SetResult(&respBody).Post(w.statusURL)
	if err != nil {
		return nil, fmt.Errorf("pushworker.http: sync request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("pushworker.http: sync status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make(map[int64]SyncResult, len(respBody))
	for _, r := range respBody {
		result := SyncResult{
			Status:    model.TaskInstanceStatus(r.Status),
			StartedAt: r.StartedAt,
			EndedAt:   r.EndedAt,
			Message:   r.Message,
		}
		w.cache.sync.Add(r.TaskInstanceID, result)
		out[r.TaskInstanceID] = result
	}
	return out, nil
}

// ShellPushWorker runs a whitelisted local command per task instance.
// Dispatch runs the command synchronously and reports its outcome
// immediately, so sync never observes a different state than dispatch
// already recorded: the dispatch result cache is authoritative.
type ShellPushWorker struct {
	allowedCommands map[string]bool
	cache           *resultCache
	tracer          trace.Tracer
}

// DefaultAllowedShellCommands is a conservative whitelist of read-only
// or well-understood commands safe to run unattended.
var DefaultAllowedShellCommands = []string{"echo", "cat", "grep", "awk", "sed", "jq", "curl", "wget", "python"}

// NewShellPushWorker builds a ShellPushWorker restricted to allowed.
func NewShellPushWorker(allowed []string, cacheSize int) *ShellPushWorker {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	set := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		set[c] = true
	}
	return &ShellPushWorker{
		allowedCommands: set,
		cache:           newResultCache(cacheSize),
		tracer:          otel.Tracer("taskflow-pushworker-shell"),
	}
}

func (w *ShellPushWorker) PushTaskInstances(ctx context.Context, batch []model.TaskInstance) (map[int64]DispatchResult, error) {
	ctx, span := w.tracer.Start(ctx, "pushworker.shell.dispatch", trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	out := make(map[int64]DispatchResult, len(batch))
	for _, ti := range batch {
		if cached, ok := w.cache.dispatch.Get(ti.ID); ok {
			out[ti.ID] = cached
			continue
		}
		result := w.run(ctx, ti)
		w.cache.dispatch.Add(ti.ID, result)
		out[ti.ID] = result
	}
	return out, nil
}

func (w *ShellPushWorker) run(ctx context.Context, ti model.TaskInstance) DispatchResult {
	script := string(ti.Params)
	parts := strings.Fields(script)
	if len(parts) == 0 {
		return DispatchResult{Err: fmt.Errorf("pushworker.shell: empty command for task %s", ti.Task)}
	}
	if !w.allowedCommands[parts[0]] {
		return DispatchResult{Err: fmt.Errorf("pushworker.shell: command not allowed: %s", parts[0])}
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return DispatchResult{Err: fmt.Errorf("pushworker.shell: command failed: %w: %s", err, stderr.String())}
	}
	return DispatchResult{PushData: stdout.Bytes()}
}

// SyncTaskInstanceStates reports success for every instance whose
// dispatch already completed without error, and leaves anything not yet
// in the cache unreported — dispatch is synchronous for this worker, so
// there is never an in-flight state to observe between ticks.
func (w *ShellPushWorker) SyncTaskInstanceStates(ctx context.Context, batch []model.TaskInstance) (map[int64]SyncResult, error) {
	out := make(map[int64]SyncResult, len(batch))
	now := time.Now().UTC()
	for _, ti := range batch {
		cached, ok := w.cache.dispatch.Get(ti.ID)
		if !ok {
			continue
		}
		if cached.Err != nil {
			out[ti.ID] = SyncResult{Status: model.TaskFailed, EndedAt: &now, Message: cached.Err.Error()}
		} else {
			out[ti.ID] = SyncResult{Status: model.TaskSuccess, EndedAt: &now}
		}
	}
	return out, nil
}
