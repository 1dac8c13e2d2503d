package hio

import (
	"container/heap"
	"time"
)

// timerInvalidIndex is written back into a TimerJob's Idx field whenever
// the job is not currently scheduled (fired, canceled, or never armed).
const timerInvalidIndex = -1

// TimerHandler is invoked when a timer job fires. now is the loop's
// cached tick Instant, not a fresh clock read.
type TimerHandler func(l *Loop, now Instant, job *TimerJob)

// TimerJob is a single scheduled timer. Idx mirrors the job's current
// position in the owning Loop's timer heap (or timerInvalidIndex when not
// scheduled), so that the owner can cancel it in O(log n) without a
// linear scan. Callers must not mutate Idx; it is maintained exclusively
// by timerHeap's heap.Interface methods.
type TimerJob struct {
	When    Instant
	Ctx     any
	Handler TimerHandler
	Idx     int
}

// timerHeap is a container/heap min-heap of *TimerJob ordered by When,
// with Idx back-patched into each job on every mutation so owners can
// cancel by stored index.
type timerHeap []*TimerJob

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].When.Before(h[j].When) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].Idx = i
	h[j].Idx = j
}

func (h *timerHeap) Push(x any) {
	job := x.(*TimerJob)
	job.Idx = len(*h)
	*h = append(*h, job)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.Idx = timerInvalidIndex
	*h = old[:n-1]
	return job
}

// scheduleTimerJob inserts job into the loop's timer heap and returns its
// current index (also stored in job.Idx).
func (l *Loop) scheduleTimerJob(job *TimerJob) int {
	heap.Push(&l.timers, job)
	return job.Idx
}

// cancelTimerJob removes job from the loop's timer heap if it is still
// scheduled (job.Idx != timerInvalidIndex). Safe to call on an
// already-fired or already-canceled job.
func (l *Loop) cancelTimerJob(job *TimerJob) {
	if job == nil || job.Idx == timerInvalidIndex || job.Idx >= len(l.timers) {
		return
	}
	heap.Remove(&l.timers, job.Idx)
	job.Idx = timerInvalidIndex
}

// nextTimerDeadline returns the When of the earliest scheduled job and
// true, or the zero Instant and false if no timers are scheduled.
func (l *Loop) nextTimerDeadline() (Instant, bool) {
	if len(l.timers) == 0 {
		return Instant{}, false
	}
	return l.timers[0].When, true
}

// runTimers pops and fires every timer job due at or before now.
func (l *Loop) runTimers(now Instant) {
	for len(l.timers) > 0 {
		top := l.timers[0]
		if top.When.After(now) {
			break
		}
		job := heap.Pop(&l.timers).(*TimerJob)
		l.metrics.timersFired.Add(1)
		l.safeCall(func() { job.Handler(l, now, job) })
	}
}

// ScheduleTimer arms a one-shot timer job that fires once the loop's tick
// time reaches delay, an absolute Instant on the loop clock (for example
// l.Now().Add(d)). It returns the job so the caller can cancel it later
// via Loop.CancelTimer.
func (l *Loop) ScheduleTimer(delay Instant, handler TimerHandler, ctx any) *TimerJob {
	job := &TimerJob{When: delay, Ctx: ctx, Handler: handler, Idx: timerInvalidIndex}
	l.scheduleTimerJob(job)
	return job
}

// ScheduleTimerAfter is a convenience wrapper around ScheduleTimer that
// computes the deadline from the loop's cached current time plus d.
func (l *Loop) ScheduleTimerAfter(d time.Duration, handler TimerHandler, ctx any) *TimerJob {
	return l.ScheduleTimer(l.Now().Add(d), handler, ctx)
}

// CancelTimer cancels job if still scheduled on this loop. Safe to call
// more than once.
func (l *Loop) CancelTimer(job *TimerJob) {
	l.cancelTimerJob(job)
}
