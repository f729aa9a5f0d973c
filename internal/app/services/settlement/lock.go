package settlement

import (
	"context"
	"sync"
)

// SubjectLock serializes settlement orchestrations per subject (claim or
// policy id). A second settlement for the same subject blocks until the
// first finishes or the caller's context expires. This is the only shared
// in-process mutable structure in the subsystem and is scoped strictly to
// orchestration duration.
type SubjectLock struct {
	mu       sync.Mutex
	subjects map[string]chan struct{}
}

// NewSubjectLock creates an empty lock table.
func NewSubjectLock() *SubjectLock {
	return &SubjectLock{subjects: make(map[string]chan struct{})}
}

// Acquire blocks until the subject is free or ctx expires. On success it
// returns a release function that is safe to call exactly once from any exit
// path; callers defer it immediately.
func (l *SubjectLock) Acquire(ctx context.Context, subjectID string) (func(), error) {
	for {
		l.mu.Lock()
		holder, held := l.subjects[subjectID]
		if !held {
			ch := make(chan struct{})
			l.subjects[subjectID] = ch
			l.mu.Unlock()

			var once sync.Once
			release := func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.subjects, subjectID)
					l.mu.Unlock()
					close(ch)
				})
			}
			return release, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ErrSubjectLocked
		case <-holder:
			// Holder released; contend again.
		}
	}
}

// Held reports whether the subject is currently locked. Used by tests and
// the status endpoint; never for synchronization decisions.
func (l *SubjectLock) Held(subjectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.subjects[subjectID]
	return held
}
