// Package dispatcher implements a priority scheduler for background work.
//
// A Dispatcher runs a single worker goroutine that executes callbacks in
// (wake-time, priority, submission) order. Callbacks may reschedule
// themselves by snoozing and returning true, which is how long-lived tasks
// such as the flusher implement their run loop.
//
// Two dispatcher instances typically exist side by side: one for I/O-bound
// tasks (flushing, background fetches, partition deletion) and one for
// tasks that may block on client code (state-change notifications). Keeping
// them apart ensures a slow client callback can never stall disk traffic.
package dispatcher
