package routing

import "sync"

// ActiveCounter reports how many resources are currently checked out for
// an address; satisfied by pool.Pool[string, R].ActiveResourceCount.
type ActiveCounter interface {
	ActiveResourceCount(address string) int
}

// Strategy selects one address from candidates, or "" if candidates is
// empty.
type Strategy interface {
	Select(candidates []string, counts ActiveCounter) string
}

// LeastConnected starts from a round-robin cursor and picks the address
// with the smallest active count, ties broken by cursor order (§4.7). The
// cursor is one counter shared by every Select call on the value; it is
// not kept per role.
type LeastConnected struct {
	mu     sync.Mutex
	cursor int
}

func (b *LeastConnected) Select(candidates []string, counts ActiveCounter) string {
	if len(candidates) == 0 {
		return ""
	}

	b.mu.Lock()
	start := b.cursor % len(candidates)
	b.cursor++
	b.mu.Unlock()

	bestIdx := start
	bestCount := counts.ActiveResourceCount(candidates[start])
	for i := 1; i < len(candidates); i++ {
		idx := (start + i) % len(candidates)
		c := counts.ActiveResourceCount(candidates[idx])
		if c < bestCount {
			bestCount = c
			bestIdx = idx
		}
	}
	return candidates[bestIdx]
}

// RoundRobin ignores active counts entirely and simply advances a cursor,
// interchangeable with LeastConnected behind the same Strategy interface.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

func (b *RoundRobin) Select(candidates []string, _ ActiveCounter) string {
	if len(candidates) == 0 {
		return ""
	}
	b.mu.Lock()
	idx := b.cursor % len(candidates)
	b.cursor++
	b.mu.Unlock()
	return candidates[idx]
}
