package calendar

// Latch is a one-way pending -> fired flag. There is no reset.
type Latch struct {
	fired bool
}

// LatchFrom rebuilds a latch from its persisted flag.
func LatchFrom(fired bool) Latch { return Latch{fired: fired} }

// Fire moves the latch to fired and reports whether this call did it.
func (l *Latch) Fire() bool {
	if l.fired {
		return false
	}
	l.fired = true
	return true
}

func (l Latch) Fired() bool   { return l.fired }
func (l Latch) Pending() bool { return !l.fired }
