// Package boltstore implements internal/store.Store on go.etcd.io/bbolt,
// using named buckets for the definitions/instances/events schema
// spec.md §6 calls for. It is the development and test backend, selected
// with TASKFLOW_STORE_DRIVER=bolt: a single process-wide mutex stands in for the production
// store's row-level locking, which is sufficient since bbolt itself
// serializes writers, but callers must not rely on cross-process mutual
// exclusion the way postgres.Store provides it (spec.md §5 assumes a
// real relational store in production).
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskflow/internal/errkind"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/store"
)

var (
	bucketWorkflows        = []byte("workflows")
	bucketTasks            = []byte("tasks")
	bucketWorkflowInstances = []byte("workflow_instances")
	bucketTaskInstances    = []byte("task_instances")
	bucketEvents           = []byte("taskflow_events")
	bucketCounters         = []byte("counters")
)

// Store is the embedded dev/test Store backend.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex // one logical writer at a time, standing in for row locks
}

// New opens (creating if absent) a bbolt file at path and ensures every
// bucket exists.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketTasks, bucketWorkflowInstances, bucketTaskInstances, bucketEvents, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) nextID(tx *bbolt.Tx, bucket string) (int64, error) {
	b := tx.Bucket(bucketCounters)
	cur := b.Get([]byte(bucket))
	var n int64
	if cur != nil {
		n = int64(decodeUint64(cur))
	}
	n++
	b.Put([]byte(bucket), encodeUint64(uint64(n)))
	return n, nil
}

func encodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (56 - 8*i))
	}
	return buf
}

func decodeUint64(buf []byte) uint64 {
	var n uint64
	for i := 0; i < 8 && i < len(buf); i++ {
		n = n<<8 | uint64(buf[i])
	}
	return n
}

func idKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// ─── Definitions ───

func (s *Store) ListWorkflowDefinitions(ctx context.Context) ([]model.Workflow, error) {
	var out []model.Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		return b.ForEach(func(_, v []byte) error {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			out = append(out, wf)
			return nil
		})
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.ListWorkflowDefinitions", err)
	}
	return out, nil
}

func (s *Store) ListStandaloneTaskDefinitions(ctx context.Context) ([]model.Task, error) {
	var out []model.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(_, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Workflow == "" {
				out = append(out, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.ListStandaloneTaskDefinitions", err)
	}
	return out, nil
}

func (s *Store) UpsertWorkflowDefinition(ctx context.Context, wf model.Workflow, tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		wfData, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkflows).Put([]byte(wf.Name), wfData); err != nil {
			return err
		}
		for _, t := range tasks {
			t.Workflow = wf.Name
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketTasks).Put([]byte(t.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ─── Listing (admin-surface-shaped reads) ───

func (s *Store) ListWorkflowInstances(ctx context.Context, f store.WorkflowInstanceFilter) ([]model.WorkflowInstance, error) {
	var out []model.WorkflowInstance
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflowInstances).ForEach(func(_, v []byte) error {
			var wi model.WorkflowInstance
			if err := json.Unmarshal(v, &wi); err != nil {
				return err
			}
			if f.Workflow != "" && wi.Workflow != f.Workflow {
				return nil
			}
			if f.Status != "" && wi.Status != f.Status {
				return nil
			}
			out = append(out, wi)
			return nil
		})
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.ListWorkflowInstances", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.After(out[j].RunAt) })
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *Store) ListTaskInstances(ctx context.Context, f store.TaskInstanceFilter) ([]model.TaskInstance, error) {
	var out []model.TaskInstance
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskInstances).ForEach(func(_, v []byte) error {
			var ti model.TaskInstance
			if err := json.Unmarshal(v, &ti); err != nil {
				return err
			}
			if f.Task != "" && ti.Task != f.Task {
				return nil
			}
			if f.WorkflowInstance != nil && (ti.WorkflowInstance == nil || *ti.WorkflowInstance != *f.WorkflowInstance) {
				return nil
			}
			if f.Status != "" && ti.Status != f.Status {
				return nil
			}
			out = append(out, ti)
			return nil
		})
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.ListTaskInstances", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.After(out[j].RunAt) })
	return paginate(out, f.Offset, f.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// WithTx serializes fn behind the store-wide mutex and a single bbolt
// read-write transaction, standing in for postgres.Store's per-row
// locking.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(ctx, &txn{s: s, tx: btx})
	})
}
