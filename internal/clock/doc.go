// Package clock schedules the periodic tasks the capture controller owns.
// The fake implementation lets tests advance time deterministically instead
// of waiting on wall-clock timers.
package clock
