package fsstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLWriter appends one JSON document per line to a log file. ccdd uses
// it for the invocation history log.
type JSONLWriter struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	closed bool
}

func NewJSONLWriter(path string) (*JSONLWriter, error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if err := EnsureDir(filepath.Dir(normalizedPath), defaultDirPerm); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(normalizedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("jsonl open %s: %w", normalizedPath, err)
	}
	return &JSONLWriter{
		path:   normalizedPath,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (w *JSONLWriter) AppendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: jsonl encode %s: %v", ErrEncodeFailed, w.path, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("jsonl append %s: writer closed", w.path)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("jsonl append %s: %w", w.path, err)
	}
	// Flush each write so tails of the history survive a crash.
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("jsonl flush %s: %w", w.path, err)
	}
	return nil
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("jsonl flush %s: %w", w.path, err)
	}
	return w.file.Close()
}
