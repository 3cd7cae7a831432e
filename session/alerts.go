package session

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertMalformedCredentialSpike AlertType = "malformed_credential_spike"
	AlertUnknownTokenSpike        AlertType = "unknown_token_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultMalformedWindow    = 1 * time.Minute
	defaultMalformedThreshold = 50
	defaultTokenMissWindow    = 5 * time.Minute
	defaultTokenMissThreshold = 25
)

// failureMonitor keeps sliding windows of credential failures. A burst of
// forged cookies or guessed bearer secrets shows up here before anywhere
// else.
type failureMonitor struct {
	mu sync.Mutex

	malformed          []time.Time
	malformedWindow    time.Duration
	malformedThreshold int

	tokenMisses        []time.Time
	tokenMissWindow    time.Duration
	tokenMissThreshold int

	alertFn AlertFunc
}

func newFailureMonitor(alertFn AlertFunc) *failureMonitor {
	return &failureMonitor{
		malformedWindow:    defaultMalformedWindow,
		malformedThreshold: defaultMalformedThreshold,
		tokenMissWindow:    defaultTokenMissWindow,
		tokenMissThreshold: defaultTokenMissThreshold,
		alertFn:            alertFn,
	}
}

func (m *failureMonitor) recordMalformed(now time.Time) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.malformed = append(m.malformed, now)
	m.malformed = trimWindow(m.malformed, now, m.malformedWindow)
	if len(m.malformed) >= m.malformedThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertMalformedCredentialSpike,
			Message:   "malformed credential rate exceeds threshold",
			Count:     len(m.malformed),
			Threshold: m.malformedThreshold,
			Timestamp: now,
		})
		// Reset so one spike raises one alert.
		m.malformed = m.malformed[:0]
	}
}

func (m *failureMonitor) recordTokenMiss(now time.Time) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokenMisses = append(m.tokenMisses, now)
	m.tokenMisses = trimWindow(m.tokenMisses, now, m.tokenMissWindow)
	if len(m.tokenMisses) >= m.tokenMissThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertUnknownTokenSpike,
			Message:   "unknown token rate exceeds threshold",
			Count:     len(m.tokenMisses),
			Threshold: m.tokenMissThreshold,
			Timestamp: now,
		})
		m.tokenMisses = m.tokenMisses[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
