// Package progress turns byte counters sampled over time into transfer
// speed and remaining time.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Progress is a point-in-time view of a transfer.
type Progress interface {
	GetTotalSize() int64
	GetDownloaded() int64
	GetPercentage() float64
	GetSpeedBPS() int64
	GetETA() string
}

// Snapshot implements Progress.
type Snapshot struct {
	TotalSize  int64
	Downloaded int64
	Percentage float64
	SpeedBPS   int64
	ETA        time.Duration
}

func (s Snapshot) GetTotalSize() int64    { return s.TotalSize }
func (s Snapshot) GetDownloaded() int64   { return s.Downloaded }
func (s Snapshot) GetPercentage() float64 { return s.Percentage }
func (s Snapshot) GetSpeedBPS() int64     { return s.SpeedBPS }

func (s Snapshot) GetETA() string {
	if s.ETA == 0 {
		return "unknown"
	}

	hrs := int(s.ETA.Hours())
	mins := int(s.ETA.Minutes()) % 60
	secs := int(s.ETA.Seconds()) % 60

	switch {
	case hrs > 0:
		return fmt.Sprintf("%dh %dm %ds", hrs, mins, secs)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// DefaultWindow is the span speed is averaged over.
const DefaultWindow = 5 * time.Second

type sample struct {
	time  time.Time
	bytes int64
}

// Meter averages the rate of a growing byte counter over a sliding window.
type Meter struct {
	mu      sync.Mutex
	total   int64
	window  time.Duration
	samples []sample
}

// NewMeter creates a meter for a transfer of total bytes.
func NewMeter(total int64, window time.Duration) *Meter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Meter{total: total, window: window}
}

// Record adds a sample of the downloaded byte count taken at now and
// returns the resulting snapshot. The counter may shrink when a piece fails
// verification.
func (m *Meter) Record(now time.Time, downloaded int64) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{time: now, bytes: downloaded})

	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples)-1 && m.samples[i].time.Before(cutoff) {
		i++
	}
	m.samples = m.samples[i:]

	var speed float64
	if len(m.samples) >= 2 {
		first, last := m.samples[0], m.samples[len(m.samples)-1]
		if dt := last.time.Sub(first.time).Seconds(); dt > 0 && last.bytes > first.bytes {
			speed = float64(last.bytes-first.bytes) / dt
		}
	}

	var pct float64
	if m.total > 0 {
		pct = min(100, float64(downloaded)*100/float64(m.total))
	}

	var eta time.Duration
	if speed > 0 && m.total > downloaded {
		eta = time.Duration(float64(m.total-downloaded) / speed * float64(time.Second))
	}

	return Snapshot{
		TotalSize:  m.total,
		Downloaded: downloaded,
		Percentage: pct,
		SpeedBPS:   int64(speed),
		ETA:        eta,
	}
}
