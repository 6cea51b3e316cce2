package eventlog

// iterator expands compacted events into the fine-grained units the player
// advances on: ECHO{term,data} becomes, per character, READ then WRITE
// (unless live-replay, in which case the WRITE half is dropped); READ{term,
// data} becomes a READ per character; a bare WRITE is yielded whole, unless
// live-replay suppresses it entirely. Everything else passes through.
type iterator struct {
	events     []Event
	liveReplay bool

	outer     int    // index into events
	expanding bool   // true while unwinding a READ/ECHO into per-character events
	chars     []rune // pending per-character expansion for the current outer event
	ci        int    // index into chars
	wrote     bool   // for ECHO expansion: have we yielded the READ half of chars[ci] yet

	pendingTerm string // term the current character expansion belongs to
	pendingEcho bool   // true if expanding an ECHO (READ+WRITE per char), false if a plain READ
}

func newIterator(events []Event, liveReplay bool) *iterator {
	return &iterator{events: events, liveReplay: liveReplay}
}

func (it *iterator) next() (Event, bool) {
	for {
		if it.expanding {
			if e, ok := it.nextFromExpansion(); ok {
				return e, true
			}
			it.expanding = false
			it.chars = nil
			it.ci = 0
			it.wrote = false
		}

		if it.outer >= len(it.events) {
			return Event{}, false
		}
		e := it.events[it.outer]
		it.outer++

		switch e.Act {
		case TagEcho, TagRead:
			it.chars = []rune(e.Data)
			it.ci = 0
			it.wrote = false
			it.pendingTerm = e.Term
			it.pendingEcho = e.Act == TagEcho
			it.expanding = true
			continue
		case TagWrite:
			if it.liveReplay {
				continue
			}
			return e, true
		default:
			return e, true
		}
	}
}

func (it *iterator) nextFromExpansion() (Event, bool) {
	if it.ci >= len(it.chars) {
		return Event{}, false
	}
	c := string(it.chars[it.ci])

	if it.pendingEcho {
		if !it.wrote {
			it.wrote = true
			return Read(it.pendingTerm, c), true
		}
		it.wrote = false
		it.ci++
		if it.liveReplay {
			// WRITE half suppressed; recurse to emit the next READ.
			return it.nextFromExpansion()
		}
		return Write(it.pendingTerm, c), true
	}

	// Plain READ expansion: one READ per character, no WRITE half.
	it.ci++
	return Read(it.pendingTerm, c), true
}
