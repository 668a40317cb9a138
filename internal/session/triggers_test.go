package session

import (
	"testing"
	"time"
)

func TestShouldFireOnBlockEnd(t *testing.T) {
	tests := []struct {
		name   string
		policy TriggerPolicy
		queued int
		want   bool
	}{
		{"disabled", TriggerPolicy{PauseDetect: false, MinPauseSegments: 1}, 5, false},
		{"empty queue", TriggerPolicy{PauseDetect: true, MinPauseSegments: 1}, 0, false},
		{"below gate", TriggerPolicy{PauseDetect: true, MinPauseSegments: 3}, 2, false},
		{"at gate", TriggerPolicy{PauseDetect: true, MinPauseSegments: 3}, 3, true},
		{"zero gate", TriggerPolicy{PauseDetect: true, MinPauseSegments: 0}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.ShouldFireOnBlockEnd(tt.queued); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldFireOnTick(t *testing.T) {
	p := TriggerPolicy{Interval: time.Minute}
	if p.ShouldFireOnTick(3, 30*time.Second) {
		t.Fatal("fired before interval elapsed")
	}
	if !p.ShouldFireOnTick(3, time.Minute) {
		t.Fatal("did not fire at interval")
	}
	if p.ShouldFireOnTick(0, 2*time.Minute) {
		t.Fatal("fired with empty queue")
	}
	if (TriggerPolicy{}).ShouldFireOnTick(3, time.Hour) {
		t.Fatal("fired with timed policy disabled")
	}
}
