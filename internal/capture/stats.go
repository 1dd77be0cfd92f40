package capture

import "time"

// Stats is a point-in-time view of a session for the status API.
type Stats struct {
	Key             string        `json:"key"`
	Device          string        `json:"device"`
	StartedAt       time.Time     `json:"startedAt"`
	Uptime          time.Duration `json:"uptime"`
	ShuttingDown    bool          `json:"shuttingDown"`
	Video           ProducerStats `json:"video"`
	Audio           ProducerStats `json:"audio"`
	SkewMicros      int64         `json:"skewMicros"`
	Discontinuities int64         `json:"discontinuities"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	return Stats{
		Key:             s.Key,
		Device:          s.dev.Name(),
		StartedAt:       s.StartedAt,
		Uptime:          time.Since(s.StartedAt),
		ShuttingDown:    s.shutdown.Load(),
		Video:           s.video.stats(),
		Audio:           s.audio.stats(),
		SkewMicros:      s.clock.Skew(),
		Discontinuities: s.clock.Discontinuities(),
	}
}
