package testutils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/config"
	"github.com/NikitaDmitryuk/mediadash/internal/database"
	"github.com/jackpal/bencode-go"
)

const (
	testFileMode   = 0600
	tickerInterval = 5 * time.Millisecond
)

// TestConfig creates a configuration suitable for testing
func TestConfig(tempDir string) *config.Config {
	return &config.Config{
		DataDir:    tempDir,
		MediaPath:  filepath.Join(tempDir, "media"),
		LogLevel:   "error",
		ListenAddr: "127.0.0.1:0",

		SearchSettings: config.SearchConfig{
			ProviderTimeout: time.Second,
			SearchTimeout:   2 * time.Second,
			CacheTTL:        time.Minute,
		},

		EngineSettings: config.EngineConfig{
			Kind:            config.EngineAnacrolix,
			PollInterval:    50 * time.Millisecond,
			MetadataTimeout: time.Second,
		},

		DownloadSettings: config.DownloadConfig{
			MaxConcurrentDownloads: 2,
			PersistInterval:        0,
			PersistMaxBackoff:      20 * time.Millisecond,
		},

		HubSettings: config.HubConfig{
			SubscriberBuffer: 16,
		},
	}
}

// TestStore creates an in-memory SQLite store that is closed with the test.
func TestStore(t *testing.T) database.Store {
	t.Helper()

	store, err := database.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close test database: %v", err)
		}
	})
	return store
}

// TempDir creates a temporary directory for testing
func TempDir(t *testing.T) string {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "mediadash-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(tempDir)
	})

	return tempDir
}

// CreateTestTorrent writes a single-file torrent of length bytes and returns its path.
func CreateTestTorrent(t *testing.T, dir, name string, length int64) string {
	t.Helper()

	torrentMeta := map[string]any{
		"announce": "http://tracker.example.com:8080/announce",
		"info": map[string]any{
			"name":         name,
			"length":       length,
			"piece length": 16384,
			"pieces":       "12345678901234567890",
		},
	}

	torrentPath := filepath.Join(dir, name+".torrent")
	f, err := os.OpenFile(torrentPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, testFileMode)
	if err != nil {
		t.Fatalf("Failed to create torrent file: %v", err)
	}
	defer f.Close()

	if err := bencode.Marshal(f, torrentMeta); err != nil {
		t.Fatalf("Failed to encode torrent: %v", err)
	}

	return torrentPath
}

// WaitForCondition polls cond until it holds or timeout expires.
func WaitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out after %s waiting for %s", timeout, msg)
		}
		<-ticker.C
	}
}
