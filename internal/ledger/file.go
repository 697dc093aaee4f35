package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the chain as a JSON array in a single file, one block per
// line:
//
//	[
//	{"index":0,...},
//	{"index":1,...}
//	]
//
// The file stays a valid JSON document after every append. Appends rewrite
// only the closing bracket, are fsynced before returning, and are rolled back
// if any write fails.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileStore returns a FileStore for path. The file and its parent
// directory are created on the first append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the ledger file location.
func (s *FileStore) Path() string { return s.path }

// Blocks implements Store. The file is re-read on every call so that edits
// made behind the process's back are visible to validation.
func (s *FileStore) Blocks(_ context.Context) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	return DecodeBlocks(data)
}

// DecodeBlocks parses a ledger document as written by FileStore or by the
// export endpoint. A document that is not a JSON array of blocks is reported
// as ErrChainIntegrity.
func DecodeBlocks(data []byte) ([]*Block, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var blocks []*Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("%w: ledger document is not a block array: %v", ErrChainIntegrity, err)
	}
	for i, b := range blocks {
		if b == nil {
			return nil, &IntegrityError{Index: i, Reason: "null block"}
		}
		b.Timestamp = b.Timestamp.UTC()
	}
	return blocks, nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, b *Block) error {
	line, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", b.Index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Index == 0 {
		return s.create(line)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger file: %w", err)
	}
	size := info.Size()

	pos, tail, err := closingBracket(f, size)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(",\n")
	buf.Write(line)
	buf.WriteString("\n]\n")

	if _, err := f.WriteAt(buf.Bytes(), pos); err != nil {
		s.rollback(f, pos, tail, size)
		return fmt.Errorf("write block %d: %w", b.Index, err)
	}
	if err := f.Sync(); err != nil {
		s.rollback(f, pos, tail, size)
		return fmt.Errorf("sync ledger file: %w", err)
	}
	return nil
}

// create writes a fresh ledger holding only the genesis line. The document is
// written to a temporary file and renamed into place.
func (s *FileStore) create(genesis []byte) error {
	if _, err := os.Stat(s.path); err == nil {
		return fmt.Errorf("ledger file %s already exists", s.path)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	var buf bytes.Buffer
	buf.WriteString("[\n")
	buf.Write(genesis)
	buf.WriteString("\n]\n")

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write genesis: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync genesis: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// closingBracket locates the end of the last block in the document and
// returns its offset along with the bytes from there to EOF.
func closingBracket(f *os.File, size int64) (int64, []byte, error) {
	const window = 64
	start := size - window
	if start < 0 {
		start = 0
	}
	tail := make([]byte, size-start)
	if _, err := f.ReadAt(tail, start); err != nil && err != io.EOF {
		return 0, nil, fmt.Errorf("read ledger tail: %w", err)
	}
	i := bytes.LastIndexByte(tail, ']')
	if i < 0 || len(bytes.TrimSpace(tail[i+1:])) != 0 {
		return 0, nil, fmt.Errorf("%w: ledger file does not end with ']'", ErrChainIntegrity)
	}
	// Back up over the newline after the last block so the separator lands
	// on the same line as it.
	for i > 0 && isSpace(tail[i-1]) {
		i--
	}
	return start + int64(i), tail[i:], nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// rollback restores the bytes overwritten by a failed append.
func (s *FileStore) rollback(f *os.File, pos int64, tail []byte, size int64) {
	_ = f.Truncate(pos)
	_, _ = f.WriteAt(tail, pos)
	_ = f.Truncate(size)
	_ = f.Sync()
}

// Kind implements Store.
func (s *FileStore) Kind() string { return "file" }

// Close implements Store.
func (s *FileStore) Close() error { return nil }
