package analyzer

import (
	"context"
	"fmt"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// Completer is an LLM transport. The returned text continues after prefill.
type Completer interface {
	Name() string
	Complete(ctx context.Context, label, prompt, prefill string) (string, error)
}

// LLMClassifier asks an LLM for a structured per-post verdict.
type LLMClassifier struct {
	provider Completer
}

func NewLLMClassifier(provider Completer) *LLMClassifier {
	return &LLMClassifier{provider: provider}
}

func (c *LLMClassifier) Name() string {
	return "llm"
}

func (c *LLMClassifier) Classify(ctx context.Context, asset types.KnownAsset, posts []types.Post) (Classification, error) {
	if len(posts) == 0 {
		return Classification{Detected: false, Rationale: "no posts"}, nil
	}

	// Prefill "{" so the model continues straight into the JSON object
	text, err := c.provider.Complete(ctx, asset.Symbol, BuildPrompt(asset, posts), "{")
	if err != nil {
		return Classification{}, fmt.Errorf("%s classification of %s failed: %w", c.provider.Name(), asset.Symbol, err)
	}

	return ParseClassification(text)
}
