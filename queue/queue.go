// Package queue implements the per-circuit waiting queue of a ceremony.
//
// A WaitingQueue is plain data: every operation is a pure function of the
// receiver, so callers load it from the coordination database, mutate it and
// write it back inside the same optimistic transaction. The queue never
// talks to storage itself.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ef-ds/deque"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue reached its capacity.
	ErrQueueFull = errors.New("waiting queue is full")

	// ErrAlreadyQueued is returned by Enqueue when the participant is already
	// queued or is the current contributor.
	ErrAlreadyQueued = errors.New("participant already queued")

	// ErrNoCurrentContributor is returned by Advance when nobody holds the circuit.
	ErrNoCurrentContributor = errors.New("no current contributor")
)

// Outcome describes how the current contributor's turn ended.
type Outcome int

const (
	// Completed means a valid contribution was appended to the chain.
	Completed Outcome = iota
	// Failed covers invalid contributions and evictions.
	Failed
)

// WaitingQueue is the ordered list of participants awaiting their turn on a
// circuit, plus the circuit's contribution counters.
//
// The zero value is an empty, unbounded queue. A WaitingQueue must not be
// copied after first use; pass *WaitingQueue around.
type WaitingQueue struct {
	contributors deque.Deque
	capacity     int

	CurrentContributor     string
	CompletedContributions int
	FailedContributions    int
}

// New returns an empty queue holding at most capacity waiting participants.
// A capacity <= 0 means unbounded.
func New(capacity int) *WaitingQueue {
	return &WaitingQueue{capacity: capacity}
}

// Len returns the number of waiting participants, excluding the current contributor.
func (q *WaitingQueue) Len() int {
	return q.contributors.Len()
}

// Capacity returns the configured bound, 0 when unbounded.
func (q *WaitingQueue) Capacity() int {
	return q.capacity
}

// Contributors returns the waiting participants in FIFO order.
func (q *WaitingQueue) Contributors() []string {
	n := q.contributors.Len()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v, _ := q.contributors.PopFront()
		out = append(out, v.(string))
		q.contributors.PushBack(v)
	}
	return out
}

// Position returns the 1-based position of id in the queue, 0 if absent.
func (q *WaitingQueue) Position(id string) int {
	for i, c := range q.Contributors() {
		if c == id {
			return i + 1
		}
	}
	return 0
}

// Contains reports whether id is waiting or currently contributing.
func (q *WaitingQueue) Contains(id string) bool {
	return q.CurrentContributor == id || q.Position(id) > 0
}

// Enqueue appends id at the back of the queue.
func (q *WaitingQueue) Enqueue(id string) error {
	if id == "" {
		return fmt.Errorf("empty participant id")
	}
	if q.Contains(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}
	if q.capacity > 0 && q.contributors.Len() >= q.capacity {
		return ErrQueueFull
	}
	q.contributors.PushBack(id)
	return nil
}

// Promote pops the queue head into CurrentContributor when the circuit is idle.
// It returns the promoted id and whether a promotion happened.
func (q *WaitingQueue) Promote() (string, bool) {
	if q.CurrentContributor != "" {
		return "", false
	}
	v, ok := q.contributors.PopFront()
	if !ok {
		return "", false
	}
	q.CurrentContributor = v.(string)
	return q.CurrentContributor, true
}

// Advance ends the current contributor's turn with the given outcome and
// promotes the next waiting participant, if any.
func (q *WaitingQueue) Advance(outcome Outcome) (string, bool, error) {
	if q.CurrentContributor == "" {
		return "", false, ErrNoCurrentContributor
	}
	switch outcome {
	case Completed:
		q.CompletedContributions++
	case Failed:
		q.FailedContributions++
	default:
		return "", false, fmt.Errorf("unknown outcome %d", outcome)
	}
	q.CurrentContributor = ""
	next, promoted := q.Promote()
	return next, promoted, nil
}

// Remove drops id from the waiting list. The current contributor is never
// removed this way; use Advance.
func (q *WaitingQueue) Remove(id string) bool {
	n := q.contributors.Len()
	removed := false
	for i := 0; i < n; i++ {
		v, _ := q.contributors.PopFront()
		if !removed && v.(string) == id {
			removed = true
			continue
		}
		q.contributors.PushBack(v)
	}
	return removed
}

// Exhausted reports whether nobody is contributing or waiting.
func (q *WaitingQueue) Exhausted() bool {
	return q.CurrentContributor == "" && q.contributors.Len() == 0
}

type waitingQueueJSON struct {
	Contributors           []string `json:"contributors"`
	Capacity               int      `json:"capacity,omitempty"`
	CurrentContributor     string   `json:"currentContributor"`
	CompletedContributions int      `json:"completedContributions"`
	FailedContributions    int      `json:"failedContributions"`
}

// MarshalJSON encodes the queue as an ordered list of participant ids.
func (q *WaitingQueue) MarshalJSON() ([]byte, error) {
	return json.Marshal(waitingQueueJSON{
		Contributors:           q.Contributors(),
		Capacity:               q.capacity,
		CurrentContributor:     q.CurrentContributor,
		CompletedContributions: q.CompletedContributions,
		FailedContributions:    q.FailedContributions,
	})
}

// UnmarshalJSON replaces the receiver with the decoded queue.
func (q *WaitingQueue) UnmarshalJSON(data []byte) error {
	var raw waitingQueueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	q.contributors = deque.Deque{}
	for _, c := range raw.Contributors {
		q.contributors.PushBack(c)
	}
	q.capacity = raw.Capacity
	q.CurrentContributor = raw.CurrentContributor
	q.CompletedContributions = raw.CompletedContributions
	q.FailedContributions = raw.FailedContributions
	return nil
}
