package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CacheMonitor reports disk usage of the persistent schema cache. Usage is
// recomputed at most once per cache duration.
type CacheMonitor struct {
	dir           string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewCacheMonitor creates a monitor for dir. An empty dir means the cache is
// held in memory and usage is always zero.
func NewCacheMonitor(dir string, maxBytes int64) *CacheMonitor {
	return &CacheMonitor{
		dir:           dir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// Dir returns the monitored directory.
func (cm *CacheMonitor) Dir() string {
	return cm.dir
}

// GetUsage returns the cache directory size in bytes.
func (cm *CacheMonitor) GetUsage() (int64, error) {
	if cm.dir == "" {
		return 0, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.lastCheck.IsZero() && time.Since(cm.lastCheck) < cm.cacheDuration {
		return cm.cachedUsage, nil
	}

	usage, err := calculateDirSize(cm.dir)
	if err != nil {
		return 0, err
	}
	cm.cachedUsage = usage
	cm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured size hint in bytes. Zero means unbounded.
func (cm *CacheMonitor) GetLimit() int64 {
	return cm.maxBytes
}

// calculateDirSize sums the on-disk size of every file under path.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		actual, err := getActualFileSize(filePath, info)
		if err != nil {
			size += info.Size()
		} else {
			size += actual
		}
		return nil
	})
	return size, err
}
