package scheduler

import (
	"context"
	"strconv"
	"sync"
)

// Fake is an in-memory Client for tests. Submissions get incrementing ids,
// the queue is whatever the test sets, and release calls are recorded.
type Fake struct {
	mu sync.Mutex

	nextID    int
	Submitted []SubmitRequest
	Released  []string
	Entries   map[string]QueueEntry

	// SubmitErr, QueueErr and ReleaseErr, when set, are returned by the
	// corresponding call.
	SubmitErr  error
	QueueErr   error
	ReleaseErr error
}

// NewFake returns a Fake whose first submitted job gets id "1000".
func NewFake() *Fake {
	return &Fake{nextID: 1000, Entries: make(map[string]QueueEntry)}
}

func (f *Fake) Submit(_ context.Context, req SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	id := strconv.Itoa(f.nextID)
	f.nextID++
	f.Submitted = append(f.Submitted, req)
	f.Entries[id] = QueueEntry{JobID: id, State: "PENDING", Reason: "JobHeldUser"}
	return id, nil
}

func (f *Fake) Queue(_ context.Context, jobIDs []string) (map[string]QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueueErr != nil {
		return nil, f.QueueErr
	}
	out := make(map[string]QueueEntry, len(jobIDs))
	for _, id := range jobIDs {
		if e, ok := f.Entries[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (f *Fake) Release(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReleaseErr != nil {
		return f.ReleaseErr
	}
	f.Released = append(f.Released, jobID)
	return nil
}

// SetState replaces the queue entry for a job.
func (f *Fake) SetState(jobID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Entries[jobID] = QueueEntry{JobID: jobID, State: state}
}

// Remove drops a job from the queue, simulating completion.
func (f *Fake) Remove(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Entries, jobID)
}
