package security

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// stopTriggers are standalone phrases that cancel the in-flight turn, in
// addition to the /stop command. Multilingual so a user can interrupt the
// assistant in whatever language they were chatting in.
var stopTriggers = map[string]bool{
	// English
	"stop": true, "abort": true, "halt": true, "cancel": true,
	"esc": true, "interrupt": true, "please stop": true, "stop please": true,

	// Portuguese / Spanish
	"pare": true, "parar": true, "cancela": true, "cancelar": true,
	"detente": true, "alto": true,

	// French / German
	"arrete": true, "arrête": true, "stopp": true, "anhalten": true,

	// Chinese / Japanese
	"停止": true, "停": true, "やめて": true, "止めて": true, "ストップ": true,

	// Russian
	"стоп": true, "стой": true, "прекрати": true,
}

// stopTrailingPunctRE strips trailing punctuation before trigger matching.
var stopTrailingPunctRE = regexp.MustCompile(`[.!?…,，。;；:：'")\]}]+$`)

// IsStopTrigger reports whether text is a standalone request to cancel the
// running turn. Matching is NFKC-normalized, case-insensitive, and ignores
// leading @mentions and trailing punctuation.
func IsStopTrigger(text string) bool {
	n := normalizeStopText(text)
	if n == "" {
		return false
	}
	if n == "/stop" {
		return true
	}
	return stopTriggers[n]
}

func normalizeStopText(text string) string {
	n := strings.ToLower(norm.NFKC.String(text))
	fields := strings.Fields(n)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			kept = append(kept, f)
		}
	}
	n = strings.Join(kept, " ")
	n = stopTrailingPunctRE.ReplaceAllString(n, "")
	return strings.TrimSpace(n)
}
