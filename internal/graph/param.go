package graph

// automation is a gain-style parameter driven by the audio clock. Events are
// kept sorted by start frame; a set is an event whose start equals its end.
type automation struct {
	value  float64
	events []rampEvent
}

type rampEvent struct {
	start, end int64
	target     float64
}

func newAutomation(v float64) automation {
	return automation{value: v}
}

// at returns the parameter value at frame f without consuming events.
func (a *automation) at(f int64) float64 {
	cur := a.value
	for _, e := range a.events {
		if f < e.start {
			break
		}
		if f >= e.end {
			cur = e.target
			continue
		}
		return cur + (e.target-cur)*float64(f-e.start)/float64(e.end-e.start)
	}
	return cur
}

// advance drops events that have fully elapsed by frame f.
func (a *automation) advance(f int64) {
	n := 0
	for _, e := range a.events {
		if e.end > f {
			break
		}
		a.value = e.target
		n++
	}
	if n > 0 {
		a.events = append(a.events[:0], a.events[n:]...)
	}
}

// set jumps to v at frame f.
func (a *automation) set(v float64, f int64) {
	a.schedule(rampEvent{start: f, end: f, target: v})
}

// rampTo moves linearly from whatever value holds at frame start to v at
// frame end.
func (a *automation) rampTo(v float64, start, end int64) {
	if end < start {
		end = start
	}
	a.schedule(rampEvent{start: start, end: end, target: v})
}

// schedule inserts e and cancels everything that would start after it. A
// ramp still in flight at e.start is cut short and holds its value there.
func (a *automation) schedule(e rampEvent) {
	kept := a.events[:0]
	for _, prev := range a.events {
		if prev.start >= e.start {
			continue
		}
		if prev.end > e.start {
			prev.target = a.partialTarget(kept, prev, e.start)
			prev.end = e.start
		}
		kept = append(kept, prev)
	}
	a.events = append(kept, e)
}

// partialTarget is the value prev would have reached at frame f.
func (a *automation) partialTarget(before []rampEvent, prev rampEvent, f int64) float64 {
	from := (&automation{value: a.value, events: before}).at(prev.start)
	if prev.end <= prev.start {
		return prev.target
	}
	return from + (prev.target-from)*float64(f-prev.start)/float64(prev.end-prev.start)
}
