package collector

import (
	"time"

	"github.com/tracedgc/tracedgc/internal/page"
)

// updateStates is spec.md §4.9 step 2: age every registered slot's
// state towards Used. A real-time clock grants roughly one ordinary
// age unit per millisecond elapsed (clamped to 1..40 per pass).
// AtomicReachable is lowered by a quarter of that (at least 1), which
// moves it into the ordinary reachable band where it then ages at the
// ordinary rate, per the design note in spec.md §9 ("any pointer
// written during a cycle ages slower than one cycle's mark duration").
func (c *Collector) updateStates() {
	now := time.Now()
	elapsedMs := now.Sub(c.lastAge).Milliseconds()
	c.lastAge = now
	if elapsedMs < 1 {
		elapsedMs = 1
	}

	ordinaryStep := clampStep(elapsedMs, 1, 40)
	atomicGrain := clampStep(elapsedMs/4, 1, 40)

	c.registeredPages.Each(func(pg *page.Page) {
		pg.Registered().ForEachSet(func(i uint32) {
			st := pg.State(uintptr(i))
			for {
				cur := st.Load()
				var next page.State
				switch {
				case cur == page.StateAtomicReachable:
					next = lowerState(cur, atomicGrain)
				case cur >= 1 && cur <= page.StateReachableHigh:
					next = lowerState(cur, ordinaryStep)
				default:
					return // Used, Unused, Reserved, BadAlloc: ageing does not apply
				}
				if st.CompareAndSwap(cur, next) {
					return
				}
				// A mutator raced a fresh store between Load and
				// CompareAndSwap; its value is fresher than ours, so
				// retry against the new value rather than clobber it.
			}
		})
	})
}

func clampStep(v int64, lo, hi page.State) page.State {
	if v < int64(lo) {
		return lo
	}
	if v > int64(hi) {
		return hi
	}
	return page.State(v)
}

// lowerState subtracts step from cur, floored at Used, realizing the
// "ages by numeric subtraction" invariant from spec.md §3.
func lowerState(cur, step page.State) page.State {
	if cur <= step {
		return page.StateUsed
	}
	return cur - step
}
