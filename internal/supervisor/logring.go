package supervisor

import "sync"

// LogRing keeps the most recent worker diagnostic lines. The tail is
// attached to worker-health events so a crash report carries context.
type LogRing struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func NewLogRing(max int) *LogRing {
	if max <= 0 {
		max = 200
	}
	return &LogRing{max: max}
}

func (r *LogRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		trim := len(r.lines) - r.max
		r.lines = append([]string(nil), r.lines[trim:]...)
	}
}

// Tail returns up to n most recent lines, oldest first.
func (r *LogRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.lines) {
		n = len(r.lines)
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}
