package store

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// LLMExchange is one prompt and response of the LLM classifier, kept for
// debugging classifications after the fact.
type LLMExchange struct {
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Asset     string    `json:"asset"`
	Attempt   int       `json:"attempt"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Error     string    `json:"error,omitempty"`
}

const llmDir = "llm"

// SaveExchange writes ex under the llm subdirectory. Assets are classified
// concurrently, so names carry a random suffix after the timestamp.
func (c *StepCache) SaveExchange(ex LLMExchange) (string, error) {
	name := ex.Timestamp.UTC().Format(stepTimeFormat) + "-" + uuid.NewString()[:8] + ".json"
	return writeJSON(filepath.Join(c.dir, llmDir), name, ex)
}
