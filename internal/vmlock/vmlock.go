// Package vmlock provides per-VM advisory locking over a lock-directory
// flock file, grounded on igor's use of syscall.Flock for its reservation
// file (src/igor/main.go). The schema-level "lock" config field (spec §6)
// records the same intent in-band so a crashed holder's lock state is
// still visible to "qm config" without reading the flock file.
package vmlock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Reason enumerates the spec §6 lock reasons.
type Reason string

const (
	ReasonBackup    Reason = "backup"
	ReasonClone     Reason = "clone"
	ReasonCreate    Reason = "create"
	ReasonMigrate   Reason = "migrate"
	ReasonRollback  Reason = "rollback"
	ReasonSnapshot  Reason = "snapshot"
	ReasonSuspended Reason = "suspended"
)

// Lock is a held advisory lock on a single VM.
type Lock struct {
	mu   sync.Mutex
	file *os.File
	vmid int
}

// Manager issues locks scoped to a lock directory.
type Manager struct {
	dir     string
	timeout time.Duration
}

// NewManager returns a Manager rooted at dir.
func NewManager(dir string, timeout time.Duration) *Manager {
	return &Manager{dir: dir, timeout: timeout}
}

func (m *Manager) path(vmid int) string {
	return filepath.Join(m.dir, fmt.Sprintf("lock-%d.conf", vmid))
}

// Acquire takes the advisory lock for vmid, polling at 100ms intervals
// until it succeeds or the manager's timeout elapses.
func (m *Manager) Acquire(vmid int) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "vmlock: mkdir %s", m.dir)
	}

	f, err := os.OpenFile(m.path(vmid), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "vmlock: open lock file for %d", vmid)
	}

	deadline := time.Now().Add(m.timeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &Lock{file: f, vmid: vmid}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, errors.Errorf("vmlock: timed out acquiring lock for VM %d", vmid)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Release drops the advisory lock and closes the underlying file.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return errors.Wrapf(err, "vmlock: unlock VM %d", l.vmid)
	}
	return closeErr
}
