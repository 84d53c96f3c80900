package types

import "time"

// Totals are the counters folded from partial results. Add is commutative and
// associative, so the order in which partitions report does not matter.
type Totals struct {
	Discovered int           `json:"discovered"`
	Executed   int           `json:"executed"`
	Passed     int           `json:"passed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"` // Sum of reported test durations, not wall-clock
}

// Add returns the element-wise sum of t and o.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Discovered: t.Discovered + o.Discovered,
		Executed:   t.Executed + o.Executed,
		Passed:     t.Passed + o.Passed,
		Failed:     t.Failed + o.Failed,
		Skipped:    t.Skipped + o.Skipped,
		Duration:   t.Duration + o.Duration,
	}
}

// IsZero reports whether nothing was counted.
func (t Totals) IsZero() bool {
	return t == Totals{}
}

// TotalsFromResults counts discovered test cases and executed results.
func TotalsFromResults(discovered []TestCase, results []TestResult) Totals {
	t := Totals{Discovered: len(discovered)}
	for _, r := range results {
		t.Executed++
		t.Duration += r.Duration
		switch r.Status {
		case TestStatusPass:
			t.Passed++
		case TestStatusFail:
			t.Failed++
		case TestStatusSkip:
			t.Skipped++
		}
	}
	return t
}
