package session

import (
	"encoding/json"
	"strings"
)

// idKeys are JSON field names treated as entity identifiers when scanning
// tool results.
var idKeys = map[string]string{
	"id":          "",
	"file_id":     "file",
	"folder_id":   "folder",
	"message_id":  "message",
	"event_id":    "event",
	"record_id":   "record",
	"document_id": "document",
}

// labelKeys are sibling fields consulted for a human-readable entity label,
// in preference order.
var labelKeys = []string{"name", "title", "subject", "label", "summary"}

// ExtractEntities scans a tool result for id-shaped objects and returns
// them as entities. The scan is best effort: non-JSON results and shapes it
// does not recognize yield nothing, never an error.
func ExtractEntities(toolName, result string) []Entity {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	var root any
	if err := json.Unmarshal([]byte(trimmed), &root); err != nil {
		return nil
	}
	var out []Entity
	walkForEntities(root, &out)
	return out
}

func walkForEntities(node any, out *[]Entity) {
	// Nested scans are bounded by the transport truncation of tool results,
	// so no explicit depth limit is needed.
	switch n := node.(type) {
	case map[string]any:
		if e, ok := entityFromObject(n); ok {
			*out = append(*out, e)
		}
		for _, v := range n {
			walkForEntities(v, out)
		}
	case []any:
		for _, v := range n {
			walkForEntities(v, out)
		}
	}
}

func entityFromObject(obj map[string]any) (Entity, bool) {
	for key, kind := range idKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		id, ok := raw.(string)
		if !ok || id == "" {
			continue
		}
		label := ""
		for _, lk := range labelKeys {
			if v, ok := obj[lk].(string); ok && v != "" {
				label = v
				break
			}
		}
		// A bare "id" with no label is too ambiguous to remember.
		if key == "id" && label == "" {
			continue
		}
		return Entity{Kind: kind, ID: id, Label: label}, true
	}
	return Entity{}, false
}
