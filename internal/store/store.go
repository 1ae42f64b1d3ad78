// Package store persists trade sets and resolution records on local disk,
// one file per bet. Large trade lists are gzipped; every write goes through
// a temp file and an atomic rename so readers never observe a partial file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/peerbet/agent/internal/codec"
	"github.com/peerbet/agent/internal/tradeset"
)

// DefaultCompressThreshold is the trade count at or above which the on-disk
// file is gzipped.
const DefaultCompressThreshold = 1000

// ErrNotFound is the only error Load returns for a missing bet; IO failures
// propagate as themselves.
var ErrNotFound = errors.New("store: bet not found")

// Store is the content-addressed trade store. Reads are lock-free; writers
// rely on atomic rename for isolation.
type Store struct {
	dir               string
	compressThreshold int
	logger            log.Logger
}

// Stats summarizes the on-disk state.
type Stats struct {
	TradeFiles      int   `json:"tradeFiles"`
	CompressedFiles int   `json:"compressedFiles"`
	ResolutionFiles int   `json:"resolutionFiles"`
	TotalBytes      int64 `json:"totalBytes"`
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string, compressThreshold int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	if compressThreshold <= 0 {
		compressThreshold = DefaultCompressThreshold
	}
	return &Store{
		dir:               dir,
		compressThreshold: compressThreshold,
		logger:            log.New("component", "store"),
	}, nil
}

func (s *Store) plainPath(betID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("bet-%d.json", betID))
}

func (s *Store) gzPath(betID uint64) string {
	return s.plainPath(betID) + ".gz"
}

func (s *Store) resolutionPath(betID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("bet-%d-resolution.json", betID))
}

// Store writes the trade set for betID, gzipped when the trade count meets
// the compression threshold.
func (s *Store) Store(betID uint64, ts *tradeset.TradeSet) error {
	raw, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("store: marshal bet %d: %w", betID, err)
	}
	if len(ts.Trades) >= s.compressThreshold {
		packed, err := codec.Compress(raw)
		if err != nil {
			return fmt.Errorf("store: compress bet %d: %w", betID, err)
		}
		return writeAtomic(s.gzPath(betID), packed)
	}
	return writeAtomic(s.plainPath(betID), raw)
}

// StoreAsync is the non-blocking variant used on hot paths: the write runs
// on its own goroutine and failures are logged rather than returned.
func (s *Store) StoreAsync(betID uint64, ts *tradeset.TradeSet) {
	go func() {
		if err := s.Store(betID, ts); err != nil {
			s.logger.Error("Background trade store failed", "betId", betID, "err", err)
		}
	}()
}

// Load reads the trade set for betID, probing the compressed name first.
func (s *Store) Load(betID uint64) (*tradeset.TradeSet, error) {
	raw, err := os.ReadFile(s.gzPath(betID))
	switch {
	case err == nil:
		raw, err = codec.Decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("store: decompress bet %d: %w", betID, err)
		}
	case os.IsNotExist(err):
		raw, err = os.ReadFile(s.plainPath(betID))
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	var ts tradeset.TradeSet
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("store: decode bet %d: %w", betID, err)
	}
	return &ts, nil
}

// Has reports whether a trade file exists for betID.
func (s *Store) Has(betID uint64) bool {
	if _, err := os.Stat(s.gzPath(betID)); err == nil {
		return true
	}
	_, err := os.Stat(s.plainPath(betID))
	return err == nil
}

// Delete removes the bet's trade file and resolution record, if present.
func (s *Store) Delete(betID uint64) error {
	var firstErr error
	for _, p := range []string{s.gzPath(betID), s.plainPath(betID), s.resolutionPath(betID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List returns the bet ids with a stored trade file, unordered.
func (s *Store) List() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		id, ok := parseBetFileName(e.Name())
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CleanupOlderThan deletes trade files whose mtime is older than age and
// returns how many bets were removed.
func (s *Store) CleanupOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		id, ok := parseBetFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.Delete(id); err != nil {
			s.logger.Warn("Cleanup delete failed", "betId", id, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Stats walks the store directory and summarizes it.
func (s *Store) Stats() (Stats, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".json.gz"):
			st.TradeFiles++
			st.CompressedFiles++
		case strings.HasSuffix(name, "-resolution.json"):
			st.ResolutionFiles++
		case strings.HasSuffix(name, ".json"):
			st.TradeFiles++
		default:
			continue
		}
		st.TotalBytes += info.Size()
	}
	return st, nil
}

// parseBetFileName extracts the bet id from "bet-<id>.json[.gz]"; resolution
// records and temp files do not count.
func parseBetFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "bet-") {
		return 0, false
	}
	rest := strings.TrimPrefix(name, "bet-")
	rest, _ = strings.CutSuffix(rest, ".gz")
	rest, isJSON := strings.CutSuffix(rest, ".json")
	if !isJSON || strings.HasSuffix(rest, "-resolution") {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
