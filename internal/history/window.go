package history

// DefaultMaxLength is the window size used when none is configured.
const DefaultMaxLength = 10

// Trim returns the most recent messages of h so that at most max remain.
// A system message at index 0 is pinned: it is kept and the remaining
// max-1 slots hold the newest messages after it. Sequences already within
// the limit are returned unchanged, which makes Trim idempotent.
func Trim(h []Message, max int) []Message {
	if max < 1 || len(h) <= max {
		return h
	}
	if h[0].Role == RoleSystem {
		out := make([]Message, 0, max)
		out = append(out, h[0])
		return append(out, h[len(h)-max+1:]...)
	}
	out := make([]Message, max)
	copy(out, h[len(h)-max:])
	return out
}
