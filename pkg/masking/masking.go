// Package masking redacts credentials and other secrets from tool results
// before they reach the model or the client. Masking is defensive: on any
// doubt the original text is preserved, never the secret.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern is one redaction rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns covers the secret shapes that show up in API responses
// and command output. Patterns favor precision: a false positive hides
// data the model may need.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{
		name:        "api_key",
		pattern:     `(?i)\b(sk|pk|rk|ak)[-_](?:live|test|proj|ant)?[-_]?[A-Za-z0-9]{16,}\b`,
		replacement: "***MASKED_API_KEY***",
	},
	{
		name:        "bearer_token",
		pattern:     `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		replacement: "Bearer ***MASKED_TOKEN***",
	},
	{
		name:        "password_field",
		pattern:     `(?i)("?(?:password|passwd|secret|api_key|access_token|refresh_token)"?\s*[:=]\s*)"[^"]{4,}"`,
		replacement: `$1"***MASKED***"`,
	},
	{
		name:        "aws_access_key",
		pattern:     `\bAKIA[0-9A-Z]{16}\b`,
		replacement: "***MASKED_AWS_KEY***",
	},
	{
		name:        "private_key_block",
		pattern:     `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: "***MASKED_PRIVATE_KEY***",
	},
	{
		name:        "jwt",
		pattern:     `\beyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\b`,
		replacement: "***MASKED_JWT***",
	},
}

// Service applies the compiled pattern set.
type Service struct {
	patterns []*CompiledPattern
}

// NewService compiles the built-in patterns plus any custom ones. Custom
// patterns that fail to compile are logged and skipped.
func NewService(custom ...CustomPattern) *Service {
	s := &Service{}
	for _, p := range builtinPatterns {
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       regexp.MustCompile(p.pattern),
			Replacement: p.replacement,
		})
	}
	for _, p := range custom {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("failed to compile custom masking pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.Name,
			Regex:       compiled,
			Replacement: p.Replacement,
		})
	}
	return s
}

// CustomPattern is a user-supplied redaction rule.
type CustomPattern struct {
	Name        string
	Pattern     string
	Replacement string
}

// Mask applies every pattern to data and returns the redacted text.
func (s *Service) Mask(data string) string {
	for _, p := range s.patterns {
		data = p.Regex.ReplaceAllString(data, p.Replacement)
	}
	return data
}

// PatternNames lists the active rules, for startup logging.
func (s *Service) PatternNames() []string {
	out := make([]string, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p.Name)
	}
	return out
}
