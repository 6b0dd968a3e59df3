// Package runtime executes inference requests against the current backend:
// it owns task identity and lifecycle, streaming delivery with response
// normalization, and usage accounting. Both the local HTTP surface and the
// gateway tunnel dispatch through the engine here.
package runtime

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// Task lifecycle states.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Task flavors name the inference operation a task performs.
const (
	FlavorChat       = "chat"
	FlavorCompletion = "completion"
	FlavorEmbeddings = "embeddings"
	FlavorProxy      = "proxy"
)

// Task is the persisted record of one inference request.
type Task struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Flavor    string    `json:"flavor"`
	Model     string    `json:"model,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Source    string    `json:"source,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewTaskID mints a task identifier: a millisecond timestamp joined with a
// short random base36 suffix. IDs sort roughly by creation time.
func NewTaskID() string {
	suffix := strconv.FormatInt(rand.Int63(), 36)
	if len(suffix) > 9 {
		suffix = suffix[:9]
	}
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), suffix)
}
