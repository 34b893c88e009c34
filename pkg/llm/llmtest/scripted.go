// Package llmtest provides a scripted LLM client for orchestrator and
// end-to-end tests. Scripts are consumed in order, with optional routing by
// system-prompt marker for flows where call order is non-deterministic.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/workstreamhq/maestro/pkg/llm"
)

// ScriptEntry defines a single scripted LLM response.
type ScriptEntry struct {
	// Response content (exactly one should be set).
	Chunks []llm.Chunk // pre-built chunks to return
	Text   string      // shorthand: auto-wrapped as TextChunk + UsageChunk
	Error  error       // returned from Generate()

	// Test control.
	BlockUntilCancelled bool            // block Generate() until ctx is cancelled
	WaitCh              <-chan struct{} // block Generate() until closed, then respond
	OnBlock             chan<- struct{} // notified when Generate() enters a blocking path
}

// ScriptedClient implements llm.Client with dual dispatch: sequential
// consumption for ordered flows, plus marker routing for calls whose order
// is non-deterministic. A routed entry matches when its marker appears in
// the call's system prompt.
type ScriptedClient struct {
	mu         sync.Mutex
	sequential []ScriptEntry
	seqIndex   int
	routes     map[string][]ScriptEntry
	routeIndex map[string]int
	captured   []*llm.GenerateInput
}

func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		routes:     make(map[string][]ScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential appends an entry consumed in order by non-routed calls.
func (c *ScriptedClient) AddSequential(entry ScriptEntry) {
	c.sequential = append(c.sequential, entry)
}

// AddText is shorthand for AddSequential with a plain text response.
func (c *ScriptedClient) AddText(text string) {
	c.AddSequential(ScriptEntry{Text: text})
}

// AddRouted appends an entry served to calls whose system prompt contains
// marker. Routed entries take precedence over sequential ones.
func (c *ScriptedClient) AddRouted(marker string, entry ScriptEntry) {
	c.routes[marker] = append(c.routes[marker], entry)
}

// Generate implements llm.Client.
func (c *ScriptedClient) Generate(ctx context.Context, input *llm.GenerateInput) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.captured = append(c.captured, input)
	entry, err := c.nextEntry(input)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if entry.BlockUntilCancelled {
		ch := make(chan llm.Chunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		return ch, nil
	}

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			ch := make(chan llm.Chunk)
			close(ch)
			return ch, nil
		}
	}

	if entry.Error != nil {
		return nil, entry.Error
	}

	chunks := entry.Chunks
	if len(chunks) == 0 && entry.Text != "" {
		chunks = []llm.Chunk{
			&llm.TextChunk{Content: entry.Text},
			&llm.UsageChunk{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}
	}

	ch := make(chan llm.Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

// Close implements llm.Client.
func (c *ScriptedClient) Close() error { return nil }

// CallCount returns the total number of Generate() calls made.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// CapturedInputs returns the inputs seen so far, in call order.
func (c *ScriptedClient) CapturedInputs() []*llm.GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*llm.GenerateInput, len(c.captured))
	copy(out, c.captured)
	return out
}

// nextEntry selects the next script entry. Must be called with c.mu held.
func (c *ScriptedClient) nextEntry(input *llm.GenerateInput) (*ScriptEntry, error) {
	system := systemPrompt(input)
	for marker, entries := range c.routes {
		if !strings.Contains(system, marker) {
			continue
		}
		idx := c.routeIndex[marker]
		if idx < len(entries) {
			c.routeIndex[marker] = idx + 1
			return &entries[idx], nil
		}
	}
	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}
	return nil, fmt.Errorf("ScriptedClient: no more entries (sequential=%d/%d)", c.seqIndex, len(c.sequential))
}

func systemPrompt(input *llm.GenerateInput) string {
	for _, m := range input.Messages {
		if m.Role == llm.RoleSystem {
			return m.Content
		}
	}
	return ""
}
