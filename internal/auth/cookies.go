package auth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/rs/zerolog"

	"github.com/ibeckermayer/sigcrawl/internal/config"
)

// FileStore keeps each cookie set as a JSON file in one directory.
type FileStore struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger
}

// NewFileStore creates a cookie store rooted at dir
func NewFileStore(dir string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		dir:    dir,
		now:    time.Now,
		logger: logger.With().Str("component", "sessions").Logger(),
	}
}

// DefaultSessionDir returns the default directory for cookie storage
func DefaultSessionDir() (string, error) {
	configDir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "sessions"), nil
}

func (fs *FileStore) path(name string) string {
	// keep names from escaping the directory
	name = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
	return filepath.Join(fs.dir, name+".json")
}

// Save persists cookies to disk
// TODO: Encrypt cookies at rest
func (fs *FileStore) Save(_ context.Context, name string, cookies []*network.Cookie) error {
	if err := os.MkdirAll(fs.dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(newStoredCookies(cookies, fs.now()), "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(fs.path(name), data, 0600)
}

// Load retrieves cookies from disk
func (fs *FileStore) Load(_ context.Context, name string) ([]*network.Cookie, error) {
	data, err := os.ReadFile(fs.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	cookies, err := decodeStoredCookies(data, fs.now())
	if err != nil {
		return coldStart(fs.logger, name, err), nil
	}
	return cookies, nil
}

// Clear removes stored cookies
func (fs *FileStore) Clear(_ context.Context, name string) error {
	err := os.Remove(fs.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
