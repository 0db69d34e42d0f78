package replica

import (
	"encoding/json"
	"fmt"
	"strings"
)

// contextRunes is how much surrounding text a cursor remembers on each side.
const contextRunes = 12

// Cursor is a durable reference to a position in the replicated text. It
// anchors on the surrounding characters rather than the raw index so that it
// still resolves to the intended spot after concurrent edits elsewhere in the
// document. The only guaranteed contract is that Resolve always returns an
// in-bounds offset; when the anchor context has been edited away the result
// degrades to a proportional guess.
type Cursor struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// CursorAt captures a durable cursor for the given rune offset.
func (r *Replica) CursorAt(off int) Cursor {
	runes := []rune(r.Text())
	if off < 0 {
		off = 0
	}
	if off > len(runes) {
		off = len(runes)
	}
	lo := off - contextRunes
	if lo < 0 {
		lo = 0
	}
	hi := off + contextRunes
	if hi > len(runes) {
		hi = len(runes)
	}
	return Cursor{
		Offset: off,
		Length: len(runes),
		Before: string(runes[lo:off]),
		After:  string(runes[off:hi]),
	}
}

// Resolve maps a cursor back onto the current text. The result is always
// within [0, len(text)].
func (r *Replica) Resolve(c Cursor) int {
	text := r.Text()
	runes := []rune(text)

	// Fast path: the text has not moved under the cursor.
	if c.Length == len(runes) && matchesAt(runes, c) {
		return c.Offset
	}

	// The proportional position is the tie-breaker between multiple context
	// matches and the fallback when the context is gone entirely.
	guess := 0
	if c.Length > 0 {
		guess = c.Offset * len(runes) / c.Length
	}
	if guess > len(runes) {
		guess = len(runes)
	}

	if c.Before+c.After != "" {
		if pos, ok := nearestMatch(text, c.Before+c.After, len([]rune(c.Before)), guess); ok {
			return pos
		}
	}
	if c.Before != "" {
		if pos, ok := nearestMatch(text, c.Before, len([]rune(c.Before)), guess); ok {
			return pos
		}
	}
	if c.After != "" {
		if pos, ok := nearestMatch(text, c.After, 0, guess); ok {
			return pos
		}
	}
	return guess
}

func matchesAt(runes []rune, c Cursor) bool {
	before := []rune(c.Before)
	after := []rune(c.After)
	if c.Offset < len(before) || c.Offset+len(after) > len(runes) {
		return false
	}
	return string(runes[c.Offset-len(before):c.Offset]) == c.Before &&
		string(runes[c.Offset:c.Offset+len(after)]) == c.After
}

// nearestMatch finds the occurrence of needle whose cursor position (match
// start plus skip runes) lands closest to the guess.
func nearestMatch(text, needle string, skip, guess int) (int, bool) {
	best, bestDist := 0, -1
	from := 0
	for {
		i := strings.Index(text[from:], needle)
		if i < 0 {
			break
		}
		byteAt := from + i
		pos := len([]rune(text[:byteAt])) + skip
		dist := pos - guess
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = pos, dist
		}
		from = byteAt + 1
		if from >= len(text) {
			break
		}
	}
	if bestDist < 0 {
		return 0, false
	}
	return best, true
}

// Encode serializes the cursor for the presence wire format.
func (c Cursor) Encode() []byte {
	b, _ := json.Marshal(c)
	return b
}

// DecodeCursor parses cursor bytes produced by Encode.
func DecodeCursor(b []byte) (Cursor, error) {
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return c, nil
}
