package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/quarrylabs/quarry/core/types"
)

// StoredDirective is one persisted engine directive. Directives are
// stored after the ingress skip filters so a replay reproduces exactly
// what the engine observed during the run.
type StoredDirective struct {
	Kind       string           `json:"kind"`
	Forkchoice *ForkchoiceState `json:"forkchoice,omitempty"`
	Payload    *types.Block     `json:"payload,omitempty"`
}

// DirectiveStore appends observed directives to a gzip-compressed
// JSON-lines file for later replay.
type DirectiveStore struct {
	mu  sync.Mutex
	f   *os.File
	zw  *gzip.Writer
	enc *json.Encoder
}

// OpenDirectiveStore opens (or creates) the store at path.
func OpenDirectiveStore(path string) (*DirectiveStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directive store directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open directive store: %w", err)
	}
	zw := gzip.NewWriter(f)
	return &DirectiveStore{f: f, zw: zw, enc: json.NewEncoder(zw)}, nil
}

// Record appends one directive.
func (s *DirectiveStore) Record(d StoredDirective) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(d); err != nil {
		return fmt.Errorf("encode directive: %w", err)
	}
	return s.zw.Flush()
}

// Close flushes and closes the store.
func (s *DirectiveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.zw.Close(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadDirectives loads every directive stored at path, in order.
func ReadDirectives(path string) ([]StoredDirective, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directive store: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read directive store: %w", err)
	}
	defer zr.Close()

	var out []StoredDirective
	dec := json.NewDecoder(zr)
	for {
		var d StoredDirective
		if err := dec.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("decode directive: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}
