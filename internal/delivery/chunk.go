package delivery

import "unicode/utf8"

// MaxMessageSize is the largest payload sent in one message, in bytes.
const MaxMessageSize = 4096

// Chunk splits text into contiguous pieces of at most size bytes without
// cutting a UTF-8 sequence. Concatenating the result yields text. Pure ASCII
// splits at exact size boundaries.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = MaxMessageSize
	}
	if len(text) <= size {
		return []string{text}
	}
	out := make([]string, 0, len(text)/size+1)
	for len(text) > size {
		cut := size
		// Back off to the start of the rune straddling the boundary.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
