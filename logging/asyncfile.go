package logging

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

var errAsyncFileClosed = errors.New("async file is closed")

// AsyncFile writes to a file from a background goroutine so callers on the
// result path never block on disk.
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	errs    []error
}

// NewAsyncFile creates path and starts the background writer.
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 256),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues a copy of data.
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return errAsyncFileClosed
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	af.queue <- dataCopy
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			af.mu.Lock()
			if len(af.errs) == 0 {
				af.errs = append(af.errs, fmt.Errorf("failed to write %s: %w", af.file.Name(), err))
			}
			af.mu.Unlock()
		}
	}
}

// Close flushes queued writes and closes the file. The first write error, if
// any, is returned alongside the close error.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	af.wg.Wait()
	closeErr := af.file.Close()
	if errors.Is(closeErr, os.ErrClosed) {
		closeErr = nil
	}

	af.mu.Lock()
	defer af.mu.Unlock()
	return errors.Join(append(af.errs, closeErr)...)
}
