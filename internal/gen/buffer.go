package gen

import "fmt"

// delayBuffer holds one stream's pending (not yet committed) output
// candidates in a bounded ring keyed by absolute step index. The candidate
// for step t may be committed once step t+delay has been computed; entries
// are destroyed on commit, so emission is at-most-once per step.
type delayBuffer struct {
	delay int
	depth int

	head    int // absolute step index of the oldest pending entry
	count   int
	entries [][]int32 // ring storage, slot step%depth
}

func newDelayBuffer(delay, depth int) *delayBuffer {
	return &delayBuffer{
		delay:   delay,
		depth:   depth,
		entries: make([][]int32, depth),
	}
}

// push stores the candidate for the next absolute step. Steps must arrive
// contiguously.
func (b *delayBuffer) push(step int, tokens []int32) error {
	if step != b.head+b.count {
		return fmt.Errorf("gen: non-contiguous push at step %d, want %d", step, b.head+b.count)
	}
	if b.count == b.depth {
		return fmt.Errorf("gen: delay buffer overflow at step %d (depth %d)", step, b.depth)
	}
	b.entries[step%b.depth] = tokens
	b.count++
	return nil
}

// ready reports whether the oldest pending candidate may be committed given
// that step `now` has been computed.
func (b *delayBuffer) ready(now int) bool {
	return b.count > 0 && now >= b.head+b.delay
}

// pop commits and removes the oldest pending candidate.
func (b *delayBuffer) pop() (int, []int32) {
	step := b.head
	slot := step % b.depth
	tokens := b.entries[slot]
	b.entries[slot] = nil
	b.head++
	b.count--
	return step, tokens
}

// pending returns the number of buffered candidates.
func (b *delayBuffer) pending() int {
	return b.count
}

// take removes and returns the candidate for step if it is the oldest pending
// one, or nil when nothing is buffered for that step.
func (b *delayBuffer) take(step int) []int32 {
	if b.count == 0 || b.head != step {
		return nil
	}
	_, tokens := b.pop()
	return tokens
}

func (b *delayBuffer) reset() {
	b.head = 0
	b.count = 0
	for i := range b.entries {
		b.entries[i] = nil
	}
}
