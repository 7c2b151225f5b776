package coincache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raykavin/coinalert/pkg/core"
)

var errEmptyCacheFile = errors.New("cache file holds no coins")

// readCacheFile decodes a snapshot written by writeCacheFile
func readCacheFile(path string) (*core.CoinCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cache core.CoinCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to decode cache file: %w", err)
	}

	if cache.Coins == nil {
		return nil, errEmptyCacheFile
	}

	return &cache, nil
}

// writeCacheFile replaces path with the snapshot. Data goes to a temporary
// file in the same directory first and is then renamed over path, so a crash
// mid-write leaves the previous file untouched.
func writeCacheFile(path string, cache *core.CoinCache) (err error) {
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			// Best effort, the write error is what matters
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temporary cache file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}

	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	return nil
}
