package service

// ring is a bounded buffer of the most recent output lines, kept for
// diagnostics. It is owned by the loop goroutine, foreign readers get
// copies via snapshot.
type ring struct {
	lines []string
	next  int
	full  bool
}

func newRing(capacity int) *ring {
	return &ring{lines: make([]string, capacity)}
}

func (r *ring) add(line string) {
	if len(r.lines) == 0 {
		return
	}
	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns the retained lines oldest first.
func (r *ring) snapshot() []string {
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}
