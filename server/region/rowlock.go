package region

import (
	"sync"

	"github.com/rangestore-io/rangestore/server/util/random"
	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/rangestore-io/rangestore/server/wal"
)

// pendingUpdate is an open single-row transaction: edits staged under a row
// lock, applied all at once by Commit.
type pendingUpdate struct {
	lockID uint64
	row    []byte
	edits  []wal.Edit
}

// rowLocks serializes writers per row. StartUpdate blocks while another
// update holds the same row; the returned lock id names the pending update
// in Put/Delete/Commit/Abort calls.
type rowLocks struct {
	mu    sync.Mutex // PROTECTS(byRow, byID)
	cond  *sync.Cond
	byRow map[string]uint64
	byID  map[uint64]*pendingUpdate
}

func newRowLocks() *rowLocks {
	rl := &rowLocks{
		byRow: make(map[string]uint64),
		byID:  make(map[uint64]*pendingUpdate),
	}
	rl.cond = sync.NewCond(&rl.mu)
	return rl
}

// lock waits for the row to be free, claims it, and returns a fresh lock id.
func (rl *rowLocks) lock(row []byte) (uint64, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	key := string(row)
	for {
		if _, held := rl.byRow[key]; !held {
			break
		}
		rl.cond.Wait()
	}
	var id uint64
	for id == 0 || rl.byID[id] != nil {
		var err error
		id, err = random.RandUint64()
		if err != nil {
			return 0, status.InternalErrorf("generate lock id: %s", err)
		}
	}
	rl.byRow[key] = id
	rl.byID[id] = &pendingUpdate{lockID: id, row: row}
	return id, nil
}

// get returns the pending update for a lock id.
func (rl *rowLocks) get(lockID uint64) (*pendingUpdate, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	pu := rl.byID[lockID]
	if pu == nil {
		return nil, status.NotFoundErrorf("unknown lock %d", lockID)
	}
	return pu, nil
}

// release drops the lock and its staged edits, waking waiters on the row.
func (rl *rowLocks) release(lockID uint64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	pu := rl.byID[lockID]
	if pu == nil {
		return status.NotFoundErrorf("unknown lock %d", lockID)
	}
	delete(rl.byID, lockID)
	delete(rl.byRow, string(pu.row))
	rl.cond.Broadcast()
	return nil
}

// abortAll discards every pending update. Used when a region closes without
// committing.
func (rl *rowLocks) abortAll() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.byID = make(map[uint64]*pendingUpdate)
	rl.byRow = make(map[string]uint64)
	rl.cond.Broadcast()
}

func (rl *rowLocks) pendingCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.byID)
}
