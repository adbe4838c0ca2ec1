// Package health runs startup sanity probes.
package health

import (
	"log/slog"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPThreshold = 2 * time.Second
)

// CheckClock probes an NTP pool once and warns when the local clock
// drifts past the threshold. Cooldown windows are measured locally, so a
// skewed clock makes the painter either waste dispatches or idle longer
// than it must. The probe never blocks startup on failure.
func CheckClock(log *slog.Logger) {
	resp, err := ntp.Query(defaultNTPPool)
	if err != nil {
		log.Debug("clock probe failed", "pool", defaultNTPPool, "error", err)
		return
	}
	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	if offset > defaultNTPThreshold {
		log.Warn("local clock is skewed, cooldown timing may misfire",
			"offset", resp.ClockOffset, "threshold", defaultNTPThreshold)
		return
	}
	log.Debug("clock probe ok", "offset", resp.ClockOffset)
}
