package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workstreamhq/maestro/pkg/llm"
)

func chunkChannel(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestDrainStreamAccumulatesAndCallsBack(t *testing.T) {
	ch := chunkChannel(
		&llm.ThinkingChunk{Content: "pondering"},
		&llm.TextChunk{Content: "hello "},
		&llm.TextChunk{Content: "world"},
	)

	var thinking, text []string
	got, calls, err := drainStream(ch, nil,
		func(s string) { thinking = append(thinking, s) },
		func(s string) { text = append(text, s) },
	)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
	assert.Empty(t, calls)
	assert.Equal(t, []string{"pondering"}, thinking)
	assert.Equal(t, []string{"hello ", "world"}, text)
}

func TestDrainStreamSilentAfterStop(t *testing.T) {
	// Chunks already buffered in the channel when the stop arrives must not
	// surface as content callbacks.
	ch := chunkChannel(
		&llm.TextChunk{Content: "one"},
		&llm.TextChunk{Content: "two"},
		&llm.ThinkingChunk{Content: "three"},
	)

	calls := 0
	onDelta := func(string) { calls++ }
	text, _, err := drainStream(ch, func() bool { return true }, onDelta, onDelta)
	require.NoError(t, err)
	assert.Zero(t, calls)
	// The accumulated text is still returned for the caller to discard.
	assert.Equal(t, "onetwo", text)
}

func TestDrainStreamStopsMidStream(t *testing.T) {
	ch := chunkChannel(
		&llm.TextChunk{Content: "first"},
		&llm.TextChunk{Content: "second"},
		&llm.TextChunk{Content: "third"},
	)

	var delivered []string
	stopped := func() bool { return len(delivered) >= 1 }
	_, _, err := drainStream(ch, stopped, nil, func(s string) {
		delivered = append(delivered, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, delivered)
}
