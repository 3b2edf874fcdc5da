package vm

// Budget meters instruction fetches. A budget of N allows exactly N
// fetches; the N+1th trips exhaustion. Zero limit means unmetered.
type Budget struct {
	limit uint64
	used  uint64
}

// NewBudget creates a budget allowing limit fetches (0 = unlimited).
func NewBudget(limit uint64) *Budget {
	return &Budget{limit: limit}
}

// Charge consumes one unit. Returns false once the budget is exhausted.
func (b *Budget) Charge() bool {
	if b.limit == 0 {
		return true
	}
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// Used returns the number of units consumed.
func (b *Budget) Used() uint64 {
	return b.used
}

// Remaining returns the units left, or 0 when unmetered is exhausted.
// An unlimited budget reports 0 remaining and never exhausts.
func (b *Budget) Remaining() uint64 {
	if b.limit == 0 || b.used >= b.limit {
		return 0
	}
	return b.limit - b.used
}

// Reset restores the budget to a fresh limit.
func (b *Budget) Reset(limit uint64) {
	b.limit = limit
	b.used = 0
}
