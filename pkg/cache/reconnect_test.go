package cache

import (
	"testing"
	"time"
)

func TestReconnectPolicyBelowThreshold(t *testing.T) {
	p := NewReconnectPolicy(30*time.Second, 60*time.Second)
	start := time.Now()

	// Continuous errors for less than the threshold must never reconnect
	for i := 0; i < 29; i++ {
		if p.ReportError(start.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("Reconnect fired after only %d seconds of errors", i)
		}
	}
}

func TestReconnectPolicyFiresOnceAfterThreshold(t *testing.T) {
	p := NewReconnectPolicy(30*time.Second, 60*time.Second)
	start := time.Now()

	fired := 0
	// Errors every 5 seconds for 50 seconds
	for i := 0; i <= 50; i += 5 {
		if p.ReportError(start.Add(time.Duration(i) * time.Second)) {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("Expected exactly one reconnect, got %d", fired)
	}

	// A second reconnect must not fire within the minimum frequency window
	if p.ReportError(start.Add(55 * time.Second)) {
		t.Error("Reconnect fired again within MinFrequency")
	}
}

func TestReconnectPolicyGapResetsTracking(t *testing.T) {
	p := NewReconnectPolicy(30*time.Second, 60*time.Second)
	start := time.Now()

	// Two errors, then a long gap; the stale first-error data must not
	// trigger a reconnect.
	p.ReportError(start)
	p.ReportError(start.Add(time.Second))
	if p.ReportError(start.Add(5 * time.Minute)) {
		t.Error("Reconnect fired on stale error data after a gap")
	}

	// After the gap, a fresh run of continuous errors fires again
	fired := 0
	for i := 0; i <= 40; i += 5 {
		if p.ReportError(start.Add(5*time.Minute + time.Duration(i)*time.Second)) {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("Expected exactly one reconnect after fresh outage, got %d", fired)
	}
}

func TestReconnectPolicyDefaults(t *testing.T) {
	p := NewReconnectPolicy(0, 0)
	if p.ErrorThreshold != DefaultReconnectErrorThreshold {
		t.Errorf("Expected default error threshold, got %v", p.ErrorThreshold)
	}
	if p.MinFrequency != DefaultReconnectMinFrequency {
		t.Errorf("Expected default min frequency, got %v", p.MinFrequency)
	}
}
