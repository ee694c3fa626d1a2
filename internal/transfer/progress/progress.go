package progress

// Tracker turns cumulative byte counts into integer percent changes.
// The zero percent is the starting point and is never reported as a change.
type Tracker struct {
	total int64 // expected bytes, <= 0 when unknown
	read  int64 // cumulative bytes
	last  int   // last reported percent
}

func NewTracker(total int64) *Tracker {
	return &Tracker{total: total}
}

// Add accounts for n more bytes and reports the new percent when it differs
// from the last reported one. With an unknown total it never reports.
func (t *Tracker) Add(n int64) (int, bool) {
	t.read += n

	if t.total <= 0 {
		return t.last, false
	}

	percent := min(int(t.read*100/t.total), 100)
	if percent == t.last {
		return percent, false
	}

	t.last = percent

	return percent, true
}

// Finish reports 100 unless it was already reported.
func (t *Tracker) Finish() (int, bool) {
	if t.last == 100 {
		return 100, false
	}

	t.last = 100

	return 100, true
}

// Read returns the cumulative number of bytes accounted for.
func (t *Tracker) Read() int64 {
	return t.read
}

// Last returns the last reported percent.
func (t *Tracker) Last() int {
	return t.last
}
