package session

import "time"

// TriggerPolicy decides when the queued segments are drained into a
// cleanup job. Policies compose: manual triggers always fire, the timer
// fires on a fixed cadence, and block-end events fire when the
// recognition engine detects silence. Block-end is used instead of
// measuring arrival-time gaps because gaps reflect processing delay,
// not silence.
type TriggerPolicy struct {
	// Interval is the fixed cadence for the timed policy. Zero disables
	// timed triggering.
	Interval time.Duration

	// PauseDetect enables triggering on block-end events.
	PauseDetect bool

	// MinPauseSegments gates pause-detected triggers until at least this
	// many new segments queued since the last trigger.
	MinPauseSegments int
}

// ShouldFireOnBlockEnd reports whether a block-end event should drain
// the queue given the number of segments queued since the last trigger.
func (p TriggerPolicy) ShouldFireOnBlockEnd(queuedSinceTrigger int) bool {
	if !p.PauseDetect || queuedSinceTrigger == 0 {
		return false
	}
	return queuedSinceTrigger >= p.MinPauseSegments
}

// ShouldFireOnTick reports whether the timed policy should drain the
// queue given the time since the last trigger.
func (p TriggerPolicy) ShouldFireOnTick(queuedSinceTrigger int, sinceLast time.Duration) bool {
	if p.Interval <= 0 || queuedSinceTrigger == 0 {
		return false
	}
	return sinceLast >= p.Interval
}
