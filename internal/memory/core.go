package memory

import (
	"context"
	"fmt"
)

// CoreBlock formats an agent's semantic memory entries into a text block
// for system prompt injection.
type CoreBlock struct {
	entries []*Entry
}

// NewCoreBlock builds a CoreBlock from entries, newest-updated first.
func NewCoreBlock(entries []*Entry) *CoreBlock {
	return &CoreBlock{entries: entries}
}

// LoadCoreBlock fetches the active semantic entries under namespace
// (typically "agent:<id>:core") and wraps them in a CoreBlock.
func (s *Service) LoadCoreBlock(ctx context.Context, namespace string, limit int) (*CoreBlock, error) {
	entries, err := s.Search(ctx, namespace, TypeSemantic, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: load core block: %w", err)
	}
	return NewCoreBlock(entries), nil
}

// Format renders the block as text for injection into a system prompt.
// An empty block returns "" so no stray tag markers leak into the prompt.
func (b *CoreBlock) Format() string {
	if len(b.entries) == 0 {
		return ""
	}

	result := "<core_memory>\n"
	for _, e := range b.entries {
		result += fmt.Sprintf("%s: %s\n", e.Key, string(e.Value))
	}
	result += "</core_memory>"
	return result
}

// EstimateTokens returns the approximate token count for the formatted
// block, using the ~4 characters per token heuristic.
func (b *CoreBlock) EstimateTokens() int {
	return EstimateTokens(b.Format())
}

// EstimateTokens approximates a token count for text. Accurate within
// ~10% for English.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
