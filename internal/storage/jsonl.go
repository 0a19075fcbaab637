package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"poolScope/internal/model"
)

type poolKey struct {
	chainID uint64
	address string
}

// JsonlStorage appends assembled pools to a JSONL file. A record identical
// to the last one written for the same pool is skipped, so a poll loop only
// exports changes.
type JsonlStorage struct {
	path string

	mu   sync.Mutex
	last map[poolKey]uint64
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path, last: make(map[poolKey]uint64)}
}

// PutPools appends the changed pools of a batch as JSON lines.
func (s *JsonlStorage) PutPools(pools []model.NormalizedPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([][]byte, 0, len(pools))
	seen := make(map[poolKey]uint64, len(pools))
	for _, pool := range pools {
		line, err := json.Marshal(pool)
		if err != nil {
			return fmt.Errorf("marshal pool %s: %w", pool.Address, err)
		}
		key := poolKey{chainID: pool.ChainID, address: pool.Address}
		sum := xxhash.Sum64(line)
		prev, ok := seen[key]
		if !ok {
			prev, ok = s.last[key]
		}
		if ok && prev == sum {
			continue
		}
		seen[key] = sum
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write pool: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	for key, sum := range seen {
		s.last[key] = sum
	}
	return nil
}
