package orchestrator

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/planner"
)

// AssistanceSentinel marks a step output that needs a user decision before
// the workflow can continue. Agents emit it verbatim, followed by a JSON
// block with the question and its options.
const AssistanceSentinel = "🔍 USER ASSISTANCE REQUEST"

// assistanceRequest is the parsed form of an assistance block.
type assistanceRequest struct {
	Question string                    `json:"question"`
	Options  []events.AssistanceOption `json:"options"`
}

// detectAssistance scans a step output for the assistance sentinel and
// parses the request that follows it. A sentinel without a parseable JSON
// block still counts as a request; the raw tail becomes the question.
func detectAssistance(output string) (*assistanceRequest, bool) {
	idx := strings.Index(output, AssistanceSentinel)
	if idx < 0 {
		return nil, false
	}
	tail := output[idx+len(AssistanceSentinel):]
	if candidate := planner.ExtractJSONObject(tail); candidate != "" {
		var req assistanceRequest
		if err := json.Unmarshal([]byte(candidate), &req); err == nil && req.Question != "" {
			return &req, true
		}
	}
	return &assistanceRequest{Question: strings.TrimSpace(tail)}, true
}

// ordinalWords maps spelled-out ordinals to 1-based indexes, English and
// Russian.
var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"первый": 1, "первая": 1, "первое": 1,
	"второй": 2, "вторая": 2, "второе": 2,
	"третий": 3, "третья": 3, "третье": 3,
	"четвертый": 4, "четвёртый": 4,
	"пятый": 5,
}

// matchOption resolves a free-form user response against the options, in
// order of decreasing precision: bare integer, ordinal word, option id,
// label substring, data substring. Returns nil when nothing matches.
func matchOption(response string, options []events.AssistanceOption) *events.AssistanceOption {
	resp := strings.TrimSpace(response)
	if resp == "" || len(options) == 0 {
		return nil
	}

	if n, err := strconv.Atoi(resp); err == nil {
		if n >= 1 && n <= len(options) {
			return &options[n-1]
		}
		return nil
	}

	lower := strings.ToLower(resp)
	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,!?:;\"'")
		if n, ok := ordinalWords[word]; ok && n <= len(options) {
			return &options[n-1]
		}
	}

	for i := range options {
		if options[i].ID != "" && strings.EqualFold(options[i].ID, resp) {
			return &options[i]
		}
	}
	for i := range options {
		if options[i].Label != "" && strings.Contains(lower, strings.ToLower(options[i].Label)) {
			return &options[i]
		}
	}
	for i := range options {
		if options[i].Label != "" && strings.Contains(strings.ToLower(options[i].Label), lower) {
			return &options[i]
		}
	}
	for i := range options {
		if options[i].Data != "" && strings.Contains(strings.ToLower(options[i].Data), lower) {
			return &options[i]
		}
	}
	return nil
}
