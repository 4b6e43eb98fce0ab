package record

import (
	"fmt"
	"os"
	"sync"
)

// Writer appends records to a single file. It is safe for concurrent
// use; appends are serialized.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	size   int64
	closed bool
}

// OpenWriter opens (or creates) the file for appending.
func OpenWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat record file %s: %w", path, err)
	}
	return &Writer{file: file, path: path, size: info.Size()}, nil
}

// Append writes one record and returns the offset of its length prefix.
// The caller must not acknowledge its client if an error is returned.
func (w *Writer) Append(typ byte, seq uint64, payload []byte) (int64, error) {
	if len(payload) > MaxPayloadSize {
		return 0, fmt.Errorf("record payload of %d bytes exceeds limit", len(payload))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("append to %s: closed", w.path)
	}
	pos := w.size
	buf := Encode(typ, seq, payload)
	if _, err := w.file.Write(buf); err != nil {
		return 0, fmt.Errorf("append record to %s: %w", w.path, err)
	}
	w.size += int64(len(buf))
	return pos, nil
}

// Sync forces durability of all appended records.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	return nil
}

// Size returns the current file size in bytes.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the underlying file path.
func (w *Writer) Path() string { return w.path }

// Close syncs and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync %s on close: %w", w.path, err)
	}
	return w.file.Close()
}
