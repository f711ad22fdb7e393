//go:build !unix

package tape

import (
	"fmt"
	"os"
)

type fileLock struct {
	path string
}

// acquireLock creates path exclusively. A stale lock file from a crashed
// writer has to be removed by hand.
func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	_ = f.Close()
	return &fileLock{path: path}, nil
}

func (l *fileLock) release() {
	if l == nil || l.path == "" {
		return
	}
	_ = os.Remove(l.path)
	l.path = ""
}
