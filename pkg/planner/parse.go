package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParsePlan extracts a Plan from model output. Models wrap JSON in prose and
// code fences often enough that a strict unmarshal of the whole response is
// not viable; the parser finds the first balanced JSON object instead.
func ParsePlan(text string) (*Plan, error) {
	candidate := ExtractJSONObject(text)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON object in plan response")
	}
	var plan Plan
	if err := json.Unmarshal([]byte(candidate), &plan); err != nil {
		return nil, fmt.Errorf("decoding plan JSON: %w", err)
	}
	plan.Plan = strings.TrimSpace(plan.Plan)
	steps := plan.Steps[:0]
	for _, s := range plan.Steps {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	plan.Steps = steps
	return &plan, nil
}

// ExtractJSONObject returns the first balanced top-level JSON object in s,
// tracking string literals so braces inside values do not break the scan.
// Shared by everything that reads JSON out of free-form model output.
func ExtractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
