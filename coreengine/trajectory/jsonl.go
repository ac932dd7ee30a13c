package trajectory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// scanBufferSize bounds a single JSONL line. Long conversations produce
// large rows, so the reader allows lines well past bufio's default.
const scanBufferSize = 16 * 1024 * 1024

// Writer appends trajectories to a JSONL file, one record per line.
type Writer struct {
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewWriter creates (or truncates) the file at path.
func NewWriter(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trajectory file: %w", err)
	}
	buf := bufio.NewWriter(file)
	return &Writer{
		file: file,
		buf:  buf,
		enc:  json.NewEncoder(buf),
	}, nil
}

// Write appends one trajectory as a single line.
func (w *Writer) Write(t *Trajectory) error {
	if err := w.enc.Encode(t); err != nil {
		return fmt.Errorf("encode trajectory %s: %w", t.ID, err)
	}
	return nil
}

// Close flushes buffered records and closes the file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush trajectory file: %w", err)
	}
	return w.file.Close()
}

// Reader streams trajectories from a JSONL file.
type Reader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewReader opens the file at path for streaming reads.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trajectory file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	return &Reader{file: file, scanner: scanner}, nil
}

// Next returns the next trajectory, or io.EOF when the file is drained.
// Blank lines are skipped.
func (r *Reader) Next() (*Trajectory, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Trajectory
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, fmt.Errorf("decode trajectory line: %w", err)
		}
		return &t, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan trajectory file: %w", err)
	}
	return nil, io.EOF
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll loads every trajectory in the file at path.
func ReadAll(path string) ([]*Trajectory, error) {
	reader, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var result []*Trajectory
	for {
		t, err := reader.Next()
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
}
