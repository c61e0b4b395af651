package turn

import "strings"

// segmentBreaks are the runes that close a speakable segment.
const segmentBreaks = ",.!?;:"

// Segmenter batches streamed reply text into pieces worth synthesizing.
// A segment closes on trailing punctuation, or at a word boundary once it
// holds enough words, so synthesis can start well before the reply ends.
type Segmenter struct {
	maxWords int
	buf      strings.Builder
}

func NewSegmenter(maxWords int) *Segmenter {
	if maxWords <= 0 {
		maxWords = 8
	}
	return &Segmenter{maxWords: maxWords}
}

// Add appends streamed text and reports a segment when one closes.
func (s *Segmenter) Add(delta string) (string, bool) {
	s.buf.WriteString(delta)
	text := s.buf.String()
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	if strings.ContainsRune(segmentBreaks, rune(trimmed[len(trimmed)-1])) {
		s.buf.Reset()
		return trimmed, true
	}
	atBoundary := strings.HasSuffix(text, " ")
	if atBoundary && len(strings.Fields(trimmed)) >= s.maxWords {
		s.buf.Reset()
		return trimmed, true
	}
	return "", false
}

// Flush returns whatever text is still buffered.
func (s *Segmenter) Flush() (string, bool) {
	trimmed := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}
