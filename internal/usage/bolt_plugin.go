package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var usageBucket = []byte("usage_totals")

// Totals is the accumulated usage for one backend and model pair.
type Totals struct {
	Requests         int64     `json:"requests"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	LastRequestAt    time.Time `json:"lastRequestAt"`
}

// BoltPlugin accumulates usage totals per backend and model in the node's
// bolt database.
type BoltPlugin struct {
	db *bolt.DB
}

// NewBoltPlugin constructs a plugin writing to the given database handle.
func NewBoltPlugin(db *bolt.DB) *BoltPlugin {
	return &BoltPlugin{db: db}
}

// HandleUsage implements Plugin.
func (p *BoltPlugin) HandleUsage(_ context.Context, record Record) {
	if p.db == nil {
		return
	}
	key := []byte(fmt.Sprintf("%s|%s", record.Backend, record.Model))
	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket, errCreate := tx.CreateBucketIfNotExists(usageBucket)
		if errCreate != nil {
			return errCreate
		}
		var totals Totals
		if existing := bucket.Get(key); len(existing) > 0 {
			// Malformed entries restart from zero rather than failing the write.
			_ = json.Unmarshal(existing, &totals)
		}
		totals.Requests++
		totals.PromptTokens += record.Detail.PromptTokens
		totals.CompletionTokens += record.Detail.CompletionTokens
		totals.TotalTokens += record.Detail.TotalTokens
		totals.LastRequestAt = record.RequestedAt
		enc, errMarshal := json.Marshal(totals)
		if errMarshal != nil {
			return errMarshal
		}
		return bucket.Put(key, enc)
	})
	if err != nil {
		log.Warnf("usage: failed to persist totals: %v", err)
	}
}

// Snapshot returns the accumulated totals keyed by "<backend>|<model>".
func (p *BoltPlugin) Snapshot() (map[string]Totals, error) {
	out := make(map[string]Totals)
	if p.db == nil {
		return out, nil
	}
	err := p.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(usageBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var totals Totals
			if len(v) > 0 {
				if e := json.Unmarshal(v, &totals); e != nil {
					return nil
				}
			}
			out[string(k)] = totals
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
