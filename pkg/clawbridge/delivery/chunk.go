package delivery

// SplitMessage splits text into chunks no longer than limit bytes. The split
// point prefers the last newline inside the limit when that newline sits past
// the first half of the limit; otherwise the chunk is hard-cut at the limit.
// A split newline is dropped from the output, so reinserting "\n" at
// newline-split points reproduces the original text; hard-cut chunks
// concatenate back verbatim.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := limit
		// Keep multi-byte runes intact on a hard cut.
		for cut > 0 && rest[cut]&0xc0 == 0x80 {
			cut--
		}
		newlineCut := -1
		for i := cut - 1; i > limit/2; i-- {
			if rest[i] == '\n' {
				newlineCut = i
				break
			}
		}
		if newlineCut > 0 {
			chunks = append(chunks, rest[:newlineCut])
			rest = rest[newlineCut+1:]
		} else {
			chunks = append(chunks, rest[:cut])
			rest = rest[cut:]
		}
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
