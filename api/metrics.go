package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// sessionMetrics accumulates per-connection counters on the reader goroutine
// and emits one structured summary line when the connection closes.
type sessionMetrics struct {
	logger    *log.Logger
	connID    string
	start     time.Time
	framesIn  int
	malformed int
	byType    map[string]int
}

func newSessionMetrics(logger *log.Logger, connID string) *sessionMetrics {
	return &sessionMetrics{
		logger: logger,
		connID: connID,
		start:  time.Now(),
		byType: make(map[string]int),
	}
}

func (m *sessionMetrics) ObserveFrame(eventType string) {
	m.framesIn++
	m.byType[eventType]++
}

func (m *sessionMetrics) ObserveMalformed() {
	m.malformed++
}

func (m *sessionMetrics) Log(userID, roomID string) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"conn":      m.connID,
		"total_ms":  durationToMillis(time.Since(m.start)),
		"frames_in": m.framesIn,
	}
	if userID != "" {
		fields["user"] = userID
	}
	if roomID != "" {
		fields["room"] = roomID
	}
	if m.malformed > 0 {
		fields["malformed"] = m.malformed
	}
	for eventType, count := range m.byType {
		fields["in_"+eventType] = count
	}

	m.logger.WithFields(fields).Info("session.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
