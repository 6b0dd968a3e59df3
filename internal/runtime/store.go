package runtime

import (
	"encoding/json"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var taskBucket = []byte("tasks")

// TaskStore persists task records in the node's bolt database. A nil
// database handle degrades to a no-op store so the engine can run without
// durable task history.
type TaskStore struct {
	db *bolt.DB
}

// NewTaskStore creates a store over the given database handle.
func NewTaskStore(db *bolt.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Put writes one task record.
func (s *TaskStore) Put(task *Task) {
	if s == nil || s.db == nil || task == nil {
		return
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, errCreate := tx.CreateBucketIfNotExists(taskBucket)
		if errCreate != nil {
			return errCreate
		}
		enc, errMarshal := json.Marshal(task)
		if errMarshal != nil {
			return errMarshal
		}
		return bucket.Put([]byte(task.ID), enc)
	})
	if err != nil {
		log.Warnf("runtime: failed to persist task %s: %v", task.ID, err)
	}
}

// Get reads one task record.
func (s *TaskStore) Get(taskID string) (*Task, bool) {
	if s == nil || s.db == nil {
		return nil, false
	}
	var task Task
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(taskBucket)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(taskID)); len(v) > 0 {
			if err := json.Unmarshal(v, &task); err == nil {
				found = true
			}
		}
		return nil
	})
	if !found {
		return nil, false
	}
	return &task, true
}

// Recent returns up to limit tasks ordered newest first.
func (s *TaskStore) Recent(limit int) []*Task {
	if s == nil || s.db == nil || limit <= 0 {
		return nil
	}
	var tasks []*Task
	_ = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(taskBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var task Task
			if len(v) > 0 {
				if err := json.Unmarshal(v, &task); err != nil {
					return nil
				}
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// Prune removes completed and failed tasks older than the retention window.
func (s *TaskStore) Prune(retention time.Duration) int {
	if s == nil || s.db == nil {
		return 0
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	_ = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(taskBucket)
		if bucket == nil {
			return nil
		}
		var stale [][]byte
		_ = bucket.ForEach(func(k, v []byte) error {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if (task.Status == TaskCompleted || task.Status == TaskFailed) && task.UpdatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		for _, key := range stale {
			if err := bucket.Delete(key); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed
}
