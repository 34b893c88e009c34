package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workstreamhq/maestro/pkg/events"
)

func TestDetectAssistance(t *testing.T) {
	output := "I found several candidates.\n" + AssistanceSentinel + "\n" +
		`{"question":"Which folder?","options":[{"id":"opt-1","label":"Projects","data":"f-1"},{"id":"opt-2","label":"Archive","data":"f-2"}]}`

	req, ok := detectAssistance(output)
	require.True(t, ok)
	assert.Equal(t, "Which folder?", req.Question)
	require.Len(t, req.Options, 2)
	assert.Equal(t, "opt-1", req.Options[0].ID)
}

func TestDetectAssistanceWithoutJSON(t *testing.T) {
	output := AssistanceSentinel + "\nShould I overwrite the existing file?"
	req, ok := detectAssistance(output)
	require.True(t, ok)
	assert.Equal(t, "Should I overwrite the existing file?", req.Question)
	assert.Empty(t, req.Options)
}

func TestDetectAssistanceAbsent(t *testing.T) {
	_, ok := detectAssistance("a perfectly normal step output")
	assert.False(t, ok)
}

func TestMatchOption(t *testing.T) {
	options := []events.AssistanceOption{
		{ID: "opt-1", Label: "Projects folder", Data: "folder:f-1"},
		{ID: "opt-2", Label: "Archive", Data: "folder:f-2"},
		{ID: "opt-3", Label: "Shared drive", Data: "drive:d-9"},
	}

	cases := []struct {
		response string
		wantID   string
	}{
		{"1", "opt-1"},
		{"2", "opt-2"},
		{"first", "opt-1"},
		{"the second one", "opt-2"},
		{"второй", "opt-2"},
		{"третий, пожалуйста", "opt-3"},
		{"opt-3", "opt-3"},
		{"OPT-1", "opt-1"},
		{"use the Archive please", "opt-2"},
		{"archive", "opt-2"},
		{"d-9", "opt-3"},
	}
	for _, tc := range cases {
		got := matchOption(tc.response, options)
		require.NotNil(t, got, tc.response)
		assert.Equal(t, tc.wantID, got.ID, tc.response)
	}
}

func TestMatchOptionMisses(t *testing.T) {
	options := []events.AssistanceOption{
		{ID: "opt-1", Label: "Projects"},
	}
	for _, resp := range []string{"", "7", "0", "something unrelated"} {
		assert.Nil(t, matchOption(resp, options), resp)
	}
	assert.Nil(t, matchOption("1", nil))
}
