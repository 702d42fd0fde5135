package conflict

import "sync"

// DefaultHistoryCapacity bounds the in-memory conflict history.
const DefaultHistoryCapacity = 1000

// historyTrim is how many of the oldest records are dropped when the
// history hits capacity, so trimming is amortized rather than per-insert.
const historyTrim = 100

// Record is one resolved conflict kept for observability. The history is
// in-memory only and lost on restart; it is not a durable audit trail.
type Record struct {
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	Fields     []string `json:"fields"`
	LocalTime  int64    `json:"local_time"`  // unix ms
	ServerTime int64    `json:"server_time"` // unix ms
	Resolution string   `json:"resolution"`
	DetectedAt int64    `json:"detected_at"` // unix ms
}

// History is a bounded, concurrency-safe record of resolved conflicts.
type History struct {
	mu       sync.Mutex
	capacity int
	records  []Record
}

// NewHistory creates a History holding at most capacity records.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		records:  make([]Record, 0, capacity),
	}
}

// Add appends a record, trimming the oldest entries when full.
func (h *History) Add(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) >= h.capacity {
		trim := historyTrim
		if trim > len(h.records) {
			trim = len(h.records)
		}
		h.records = h.records[:copy(h.records, h.records[trim:])]
	}
	h.records = append(h.records, rec)
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = h.records[len(h.records)-1-i]
	}
	return out
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
