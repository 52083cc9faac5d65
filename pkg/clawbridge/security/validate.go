// Package security implements input validation for the bridge: working
// directory and session id checks, dangerous-command detection, and text
// sanitization. Everything arriving from a chat platform passes through here
// before it can touch a session or a filesystem path.
package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// MaxPathLen bounds user-supplied paths.
	MaxPathLen = 512

	// MaxInputLen bounds user-supplied message text after sanitization.
	MaxInputLen = 16384
)

// sessionIDRE matches hex/UUID-like session identifiers (dashes allowed),
// 32 to 64 characters of payload.
var sessionIDRE = regexp.MustCompile(`^[0-9a-fA-F-]{32,64}$`)

// shellMetaRE matches shell metacharacters that have no business inside a
// working-directory path.
var shellMetaRE = regexp.MustCompile("[;&|<>`$(){}\\[\\]!*?'\"\\\\\n\r]")

// dangerousPatterns is the pattern bank for command-injection and destructive
// input. A hit means the input is rejected outright, never executed.
var dangerousPatterns = []*regexp.Regexp{
	// null byte
	regexp.MustCompile(`\x00`),
	// path traversal
	regexp.MustCompile(`\.\./`),
	// command substitution $(...)
	regexp.MustCompile(`\$\(`),
	// backtick substitution
	regexp.MustCompile("`[^`]*`"),
	// rm -rf variants
	regexp.MustCompile(`(?i)rm\s+-[a-z]*r[a-z]*f|rm\s+-[a-z]*f[a-z]*r`),
	// chained destructive command
	regexp.MustCompile(`(?i)[;&]\s*(rm|mkfs|dd)\s`),
	// pipe to shell
	regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh)\b`),
	// redirect into system roots
	regexp.MustCompile(`>\s*/(etc|dev|boot|sys)\b`),
	// download-and-execute
	regexp.MustCompile(`(?i)curl[^|;]*\|\s*(sh|bash)`),
}

// ValidateWorkingDirectory checks a user-supplied working directory. It
// requires an absolute path, rejects null bytes, ".." segments, shell
// metacharacters and over-length input, and returns the cleaned path.
func ValidateWorkingDirectory(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("working directory is empty")
	}
	if len(path) > MaxPathLen {
		return "", fmt.Errorf("working directory exceeds %d characters", MaxPathLen)
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("working directory contains a null byte")
	}
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("working directory must be an absolute path")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return "", fmt.Errorf("working directory must not contain %q segments", "..")
		}
	}
	if loc := shellMetaRE.FindStringIndex(path); loc != nil {
		return "", fmt.Errorf("working directory contains forbidden character %q", path[loc[0]:loc[1]])
	}
	return filepath.Clean(path), nil
}

// ValidateSessionID checks that id looks like a session identifier the store
// could have issued: 32-64 hex/UUID characters, at least 32 of them hex
// digits so an all-dash string cannot pass.
func ValidateSessionID(id string) error {
	if !sessionIDRE.MatchString(id) {
		return fmt.Errorf("invalid session id")
	}
	if len(id)-strings.Count(id, "-") < 32 {
		return fmt.Errorf("invalid session id")
	}
	return nil
}

// IsDangerousInput reports whether text matches the dangerous-pattern bank.
// Used to hard-reject command arguments before they reach a session.
func IsDangerousInput(text string) bool {
	for _, re := range dangerousPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// SanitizeInput strips non-printable control characters (keeping newline and
// tab), truncates to MaxInputLen, and reports whether truncation occurred so
// callers can audit it.
func SanitizeInput(text string) (clean string, truncated bool) {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	clean = b.String()
	if len(clean) > MaxInputLen {
		// Cut on a rune boundary.
		cut := MaxInputLen
		for cut > 0 && clean[cut]&0xc0 == 0x80 {
			cut--
		}
		clean = clean[:cut]
		truncated = true
	}
	return clean, truncated
}
