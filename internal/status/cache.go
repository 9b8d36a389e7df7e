// Package status holds the process-local view of in-flight analysis state.
//
// The cache is best-effort: it is lost on restart, rebuilt from the ledger's
// non-terminal jobs at startup, and never consulted for correctness
// decisions. A lookup for a video the process has not seen since start
// returns StateNotFound even if the ledger knows the video.
package status

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/reelscope/reelscope/internal/ledger"
)

// StateNotFound is reported for videos with no cache entry.
const StateNotFound = "not_found"

type Entry struct {
	VideoID     string          `json:"videoId"`
	State       string          `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Get returns the entry for the video, or an entry with State StateNotFound.
func (c *Cache) Get(videoID string) Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[videoID]; ok {
		return e
	}
	return Entry{VideoID: videoID, State: StateNotFound}
}

// SetState records a non-terminal state, keeping the original start time.
func (c *Cache) SetState(videoID string, state ledger.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[videoID]
	if !ok || e.State == string(ledger.StateCompleted) || e.State == string(ledger.StateFailed) {
		e = Entry{VideoID: videoID, StartedAt: c.now()}
	}
	e.State = string(state)
	e.Error = ""
	c.entries[videoID] = e
}

func (c *Cache) MarkCompleted(videoID string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := c.entries[videoID]
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.VideoID = videoID
	e.State = string(ledger.StateCompleted)
	e.CompletedAt = &now
	e.FailedAt = nil
	e.Error = ""
	e.Result = result
	c.entries[videoID] = e
}

func (c *Cache) MarkFailed(videoID, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := c.entries[videoID]
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.VideoID = videoID
	e.State = string(ledger.StateFailed)
	e.FailedAt = &now
	e.CompletedAt = nil
	e.Error = errMsg
	e.Result = nil
	c.entries[videoID] = e
}

// Len is the number of videos with a cached status.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Rebuild replaces the cache contents with the given non-terminal jobs.
func (c *Cache) Rebuild(jobs []*ledger.Job) {
	entries := make(map[string]Entry, len(jobs))
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		entries[j.VideoID] = Entry{
			VideoID:   j.VideoID,
			State:     string(j.State),
			StartedAt: j.SubmittedAt,
			Error:     j.LastError,
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
}
