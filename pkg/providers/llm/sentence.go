package llm

import (
	"regexp"
	"strings"
)

// sentenceEnd matches a run of sentence terminators plus any trailing
// whitespace. It is a deliberately simple heuristic: it mis-splits decimals
// and abbreviations, which is acceptable because the consumer is TTS prosody,
// not semantic parsing.
var sentenceEnd = regexp.MustCompile(`[.!?]+\s*`)

// sentenceSplitter accumulates streamed token fragments and carves off
// complete sentences as soon as a terminator appears.
type sentenceSplitter struct {
	buf string
}

// push appends one token fragment and returns any complete sentences now
// available, terminators included, surrounding whitespace trimmed. Empty
// candidates are skipped.
func (s *sentenceSplitter) push(token string) []string {
	s.buf += token

	var out []string
	for {
		loc := sentenceEnd.FindStringIndex(s.buf)
		if loc == nil {
			break
		}
		sentence := strings.TrimSpace(s.buf[:loc[1]])
		s.buf = s.buf[loc[1]:]
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// flush returns whatever trails after the last terminator, trimmed. Called
// once when the upstream stream ends.
func (s *sentenceSplitter) flush() string {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest
}
