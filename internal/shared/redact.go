package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log, event and
// summarizer error strings.
var secretPatterns = []*regexp.Regexp{
	// API keys (generic: long hex/base64 strings preceded by key-like prefixes)
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|x-api-key|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic keys
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
	// OpenAI style keys
	regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9]{20,}`),
	// Gemini/Google API keys (AIza pattern)
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSecretKey reports whether a config or log key names a credential.
// Token counts (max_tokens, tokens_freed, total_tokens) are not secrets;
// only a bare "token" or a "_token" suffix is.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, s := range []string{"secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return lower == "token" || strings.HasSuffix(lower, "_token")
}

// RedactEnvValue returns the redacted placeholder when key looks secret.
func RedactEnvValue(key, value string) string {
	if IsSecretKey(key) && value != "" {
		return redactedPlaceholder
	}
	return value
}
