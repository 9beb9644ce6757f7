package protocol

// IsNewer reports whether sequence a is more recent than b, treating the
// uint32 space as a circle. A difference of up to 2^31-1 counts as newer,
// so ordering survives wraparound.
func IsNewer(a, b SequenceNumber) bool {
	return int32(a-b) > 0
}

// SequenceTracker hands out outbound sequence numbers and tracks the newest
// inbound one. Not safe for concurrent use; each direction of each
// connection owns its own tracker.
type SequenceTracker struct {
	next     SequenceNumber
	lastSeen SequenceNumber
	seenAny  bool
}

// Next returns the next outbound sequence number. The first call returns 1;
// zero is never produced so it can mean "nothing sent yet".
func (t *SequenceTracker) Next() SequenceNumber {
	t.next++
	if t.next == 0 {
		t.next = 1
	}
	return t.next
}

// Observe records an inbound sequence number. It returns true when s is
// newer than everything seen so far, false for duplicates and stragglers.
func (t *SequenceTracker) Observe(s SequenceNumber) bool {
	if !t.seenAny {
		t.seenAny = true
		t.lastSeen = s
		return true
	}
	if IsNewer(s, t.lastSeen) {
		t.lastSeen = s
		return true
	}
	return false
}

// LastSeen returns the newest observed inbound sequence number. ok is false
// before the first Observe.
func (t *SequenceTracker) LastSeen() (s SequenceNumber, ok bool) {
	return t.lastSeen, t.seenAny
}

// Reset clears both directions, for reuse after a reconnect.
func (t *SequenceTracker) Reset() {
	t.next = 0
	t.lastSeen = 0
	t.seenAny = false
}
