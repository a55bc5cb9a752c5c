//go:build !windows
// +build !windows

package sys

import (
	"os"
	"syscall"
	"time"
)

// AcquireOSFileLock attempts to acquire an advisory exclusive lock on the
// provided lockPath using POSIX flock. It opens (or creates) the file and
// acquires the lock on the file descriptor, retrying until timeout. On
// success it returns a release function that unlocks, closes and removes
// the file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			rel := func() error {
				_ = syscall.Flock(fd, syscall.LOCK_UN)
				_ = f.Close()
				_ = os.Remove(lockPath)
				return nil
			}
			return rel, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
