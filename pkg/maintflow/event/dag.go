package event

import "fmt"

// The bus tracks a type-level graph of declared event flow: an edge
// input -> emitted exists for every subscription that consumes input and
// declares emitted via WithEmits. Subscriptions that would close a cycle
// in this graph are rejected, so a handler can never re-trigger its own
// input type, directly or through intermediaries.

// checkCycleLocked reports an error if adding edges input -> emits would
// create a cycle. Caller holds b.mu.
func (b *LocalBus) checkCycleLocked(input string, emits []string) error {
	for _, emitted := range emits {
		if emitted == input {
			return &EventError{Message: fmt.Sprintf(
				"cyclic subscription: %s would re-emit its own input type", input)}
		}
		if b.reachableLocked(emitted, input, map[string]bool{}) {
			return &EventError{Message: fmt.Sprintf(
				"cyclic subscription: %s -> %s closes a cycle in the event-type graph", input, emitted)}
		}
	}
	return nil
}

// reachableLocked reports whether target is reachable from start along
// declared edges. Caller holds b.mu.
func (b *LocalBus) reachableLocked(start, target string, seen map[string]bool) bool {
	if start == target {
		return true
	}
	if seen[start] {
		return false
	}
	seen[start] = true
	for next, refs := range b.edges[start] {
		if refs <= 0 {
			continue
		}
		if b.reachableLocked(next, target, seen) {
			return true
		}
	}
	return false
}

// addEdgesLocked records declared edges. Caller holds b.mu.
func (b *LocalBus) addEdgesLocked(input string, emits []string) {
	if len(emits) == 0 {
		return
	}
	if b.edges[input] == nil {
		b.edges[input] = make(map[string]int)
	}
	for _, emitted := range emits {
		b.edges[input][emitted]++
	}
}

// removeEdgesLocked drops declared edges when a subscription is removed.
// Caller holds b.mu.
func (b *LocalBus) removeEdgesLocked(input string, emits []string) {
	outgoing := b.edges[input]
	if outgoing == nil {
		return
	}
	for _, emitted := range emits {
		if outgoing[emitted] > 1 {
			outgoing[emitted]--
		} else {
			delete(outgoing, emitted)
		}
	}
	if len(outgoing) == 0 {
		delete(b.edges, input)
	}
}
