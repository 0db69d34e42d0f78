package session

// splice is a minimal text edit: delete `del` runes at `at`, insert `insert`.
type splice struct {
	at     int
	del    int
	insert string
}

// diffText reduces the difference between two texts to one splice by trimming
// the longest common prefix and suffix. Local edit batches are small and
// contiguous, so a single splice captures them; anything stranger still
// converges, just with a coarser edit.
func diffText(oldText, newText string) (splice, bool) {
	if oldText == newText {
		return splice{}, false
	}
	o := []rune(oldText)
	n := []rune(newText)

	p := 0
	for p < len(o) && p < len(n) && o[p] == n[p] {
		p++
	}
	oe, ne := len(o), len(n)
	for oe > p && ne > p && o[oe-1] == n[ne-1] {
		oe--
		ne--
	}
	return splice{at: p, del: oe - p, insert: string(n[p:ne])}, true
}
