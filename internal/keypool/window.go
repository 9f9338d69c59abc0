package keypool

import "time"

// slidingWindow is a fixed-size ring buffer of 1-second buckets tracking a
// weighted error rate. The array is stack-allocated to avoid heap allocs.
type slidingWindow struct {
	buckets  [60]windowBucket
	size     int
	head     int
	headTime int64
}

type windowBucket struct {
	errors float64
	total  int
}

func newSlidingWindow(seconds int) slidingWindow {
	if seconds <= 0 || seconds > 60 {
		seconds = 60
	}
	return slidingWindow{size: seconds}
}

// advance moves the head forward to the current second, clearing stale buckets.
func (w *slidingWindow) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	clearN := min(int(gap), w.size)
	for i := range clearN {
		w.buckets[(w.head+1+i)%w.size] = windowBucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

// record adds a sample with the given error weight. Weight 0 means success.
func (w *slidingWindow) record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

// errorRate returns the weighted error rate and sample count across the window.
func (w *slidingWindow) errorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var errs float64
	var total int
	for i := range w.size {
		errs += w.buckets[i].errors
		total += w.buckets[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (w *slidingWindow) reset() {
	for i := range w.size {
		w.buckets[i] = windowBucket{}
	}
	w.head = 0
	w.headTime = 0
}
