package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StepName identifies a pipeline step whose output can be cached.
type StepName string

const (
	StepCrawlPosts      StepName = "crawl_posts"
	StepDetectedSignals StepName = "detected_signals"
	StepStoredSignals   StepName = "stored_signals"
)

// ErrNoStepOutput means a step has never been cached.
var ErrNoStepOutput = errors.New("no cached step output")

const stepTimeFormat = "2006-01-02T15-04-05.000"

// StepCache keeps timestamped JSON snapshots of pipeline steps, one
// subdirectory per step. Names sort chronologically.
type StepCache struct {
	dir string
	now func() time.Time
}

func NewStepCache(dir string) *StepCache {
	return &StepCache{dir: dir, now: time.Now}
}

func (c *StepCache) Dir() string {
	return c.dir
}

func (c *StepCache) stepDir(step StepName) string {
	return filepath.Join(c.dir, string(step))
}

// Save writes data as the newest snapshot of step and returns its path.
func (c *StepCache) Save(step StepName, data any) (string, error) {
	path, err := writeJSON(c.stepDir(step), c.now().UTC().Format(stepTimeFormat)+".json", data)
	if err != nil {
		return "", fmt.Errorf("failed to cache %s output: %w", step, err)
	}
	return path, nil
}

func writeJSON(dir, name string, data any) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Latest returns the path of the newest snapshot of step, or ErrNoStepOutput.
func (c *StepCache) Latest(step StepName) (string, error) {
	files, err := c.list(step)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w for step %s", ErrNoStepOutput, step)
	}
	return files[len(files)-1], nil
}

// Prune deletes all but the newest keep snapshots of step.
func (c *StepCache) Prune(step StepName, keep int) (int, error) {
	files, err := c.list(step)
	if err != nil || len(files) <= keep {
		return 0, err
	}

	removed := 0
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(f); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *StepCache) list(step StepName) ([]string, error) {
	entries, err := os.ReadDir(c.stepDir(step))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(c.stepDir(step), e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadLatest decodes the newest snapshot of step into T.
func LoadLatest[T any](c *StepCache, step StepName) (T, string, error) {
	var zero T

	path, err := c.Latest(step)
	if err != nil {
		return zero, "", err
	}
	data, err := LoadStep[T](path)
	if err != nil {
		return zero, "", err
	}
	return data, path, nil
}

// LoadStep decodes one snapshot file.
func LoadStep[T any](path string) (T, error) {
	var data T

	raw, err := os.ReadFile(path)
	if err != nil {
		return data, fmt.Errorf("failed to read step output: %w", err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("failed to decode step output %s: %w", filepath.Base(path), err)
	}
	return data, nil
}
