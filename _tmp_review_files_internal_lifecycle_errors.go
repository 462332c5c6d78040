package lifecycle

import (
	"regexp"
	"strings"
)

// reasonPatterns maps a start-failure taxonomy kind to substrings
// commonly found in provider/transport errors for that kind. Order
// matters: the first match wins.
var reasonPatterns = []struct {
	kind     string
	contains []string
}{
	{"timeout", []string{"timeout", "deadline exceeded", "context deadline"}},
	{"connection refused", []string{"connection refused"}},
	{"dns failure", []string{"no such host", "dns"}},
	{"quota exceeded", []string{"quota", "capacity", "no capacity"}},
	{"snapshot not found", []string{"snapshot not found", "snapshot invalid", "unknown snapshot"}},
	{"authentication failure", []string{"unauthorized", "401", "forbidden", "403"}},
	{"rate limited", []string{"rate limit", "429", "too many requests"}},
	{"instance start failure", []string{"failed to start", "start failed"}},
}

var sensitivePattern = regexp.MustCompile(`(?i)\b(token|secret|bearer|sk_[a-z0-9]+|password|api[_-]?key)\b`)
var filePathPattern = regexp.MustCompile(`(?:[a-zA-Z]:)?(?:/[\w.\-]+){2,}`)
var urlPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.\-]*://\S+`)

// SanitizeReason implements §7's start-failure taxonomy: classify the
// raw error message into one of the named kinds when possible, else
// strip file paths and URLs from it, and suppress it entirely if it
// still looks like it carries a secret.
func SanitizeReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, p := range reasonPatterns {
		for _, needle := range p.contains {
			if strings.Contains(lower, needle) {
				return p.kind
			}
		}
	}
	scrubbed := urlPattern.ReplaceAllString(msg, "<redacted-url>")
	scrubbed = filePathPattern.ReplaceAllString(scrubbed, "<redacted-path>")
	if sensitivePattern.MatchString(scrubbed) {
		return "upstream provisioning failure"
	}
	return scrubbed
}


