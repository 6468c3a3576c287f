package invariant

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ember6784/archon-ai-sub000/pkg/canonicalize"
)

var codeInjectionPattern = regexp.MustCompile(`\b(eval|exec|compile|__import__)\s*\(`)

var shellMetacharacters = regexp.MustCompile("[;&|`$><\\\\]")

var protectedPathPrefixes = []string{
	"/etc/", "/sys/", "/proc/", "/root/", "/boot/", "/dev/",
}

var awsAccessKeyPattern = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
var base64ishPattern = regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`)

const maxOperationSizeDefault = 1 << 20 // 1 MiB

// NoCodeInjection scans every string field in payload for code-execution
// call patterns.
func NoCodeInjection(payload map[string]interface{}) (bool, string) {
	var violation string
	walkStrings(payload, func(path, s string) {
		if violation != "" {
			return
		}
		if codeInjectionPattern.MatchString(s) {
			violation = fmt.Sprintf("field %q contains a code-execution call pattern", path)
		}
	})
	if violation != "" {
		return false, violation
	}
	return true, ""
}

// NoShellInjection checks string fields that look like shell command
// arguments for unescaped shell metacharacters.
func NoShellInjection(payload map[string]interface{}) (bool, string) {
	var violation string
	walkStrings(payload, func(path, s string) {
		if violation != "" {
			return
		}
		if !looksLikeShellSink(path) {
			return
		}
		if shellMetacharacters.MatchString(s) {
			violation = fmt.Sprintf("field %q contains shell metacharacters", path)
		}
	})
	if violation != "" {
		return false, violation
	}
	return true, ""
}

func looksLikeShellSink(path string) bool {
	lower := strings.ToLower(path)
	for _, hint := range []string{"command", "cmd", "shell", "script", "args", "exec"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// NoProtectedPathAccess resolves every path-shaped string field and
// rejects anything under a protected prefix. Existing paths are resolved
// through symlinks before comparison; nonexistent paths fall back to a
// lexical Clean so traversal tricks like "/tmp/../etc/passwd" are still
// caught.
func NoProtectedPathAccess(payload map[string]interface{}) (bool, string) {
	var violation string
	walkStrings(payload, func(path, s string) {
		if violation != "" {
			return
		}
		if !looksLikePath(s) {
			return
		}
		if strings.HasPrefix(s, "~/.ssh") {
			violation = fmt.Sprintf("field %q targets protected path %q", path, s)
			return
		}
		resolved := resolvePath(s)
		for _, prefix := range protectedPathPrefixes {
			if strings.HasPrefix(resolved, prefix) {
				violation = fmt.Sprintf("field %q resolves to protected path %q", path, resolved)
				return
			}
		}
	})
	if violation != "" {
		return false, violation
	}
	return true, ""
}

func looksLikePath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../")
}

func resolvePath(s string) string {
	if real, err := filepath.EvalSymlinks(s); err == nil {
		return real
	}
	return filepath.Clean(s)
}

// NoHardcodedSecrets scans string fields for known-secret shapes: AWS
// access-key IDs and long base64-ish tokens with high character
// diversity (a cheap entropy proxy rather than full Shannon entropy).
func NoHardcodedSecrets(payload map[string]interface{}) (bool, string) {
	var violation string
	walkStrings(payload, func(path, s string) {
		if violation != "" {
			return
		}
		if awsAccessKeyPattern.MatchString(s) {
			violation = fmt.Sprintf("field %q contains an AWS-style access key", path)
			return
		}
		if m := base64ishPattern.FindString(s); m != "" && shannonEntropy(m) > 4.0 {
			violation = fmt.Sprintf("field %q contains a high-entropy token resembling a secret", path)
		}
	})
	if violation != "" {
		return false, violation
	}
	return true, ""
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	var entropy float64
	n := float64(len(s))
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// MaxOperationSizeInvariant returns a predicate enforcing that payload's
// canonical JSON serialization does not exceed maxBytes.
func MaxOperationSizeInvariant(maxBytes int) Predicate {
	return func(payload map[string]interface{}) (bool, string) {
		data, err := canonicalize.JCS(payload)
		if err != nil {
			return false, fmt.Sprintf("payload could not be canonicalized: %v", err)
		}
		if len(data) > maxBytes {
			return false, fmt.Sprintf("payload size %d bytes exceeds cap of %d bytes", len(data), maxBytes)
		}
		return true, ""
	}
}

// walkStrings recursively visits every string value reachable from v,
// calling fn with a dotted path describing its location.
func walkStrings(v interface{}, fn func(path, value string)) {
	walkStringsAt("", v, fn)
}

func walkStringsAt(path string, v interface{}, fn func(path, value string)) {
	switch val := v.(type) {
	case string:
		fn(path, val)
	case map[string]interface{}:
		for k, sub := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			walkStringsAt(childPath, sub, fn)
		}
	case []interface{}:
		for i, sub := range val {
			childPath := fmt.Sprintf("%s[%d]", path, i)
			walkStringsAt(childPath, sub, fn)
		}
	}
}
