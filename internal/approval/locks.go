package approval

import "sync"

// fileLocks hands out one mutex per file id so that concurrent
// request/approve/reject calls against the same file serialize their
// read-validate-mutate-append sequence. Locks are never released from
// the map; the id space is bounded by the files under workflow.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *fileLocks) get(fileID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[fileID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[fileID] = lock
	}
	return lock
}
