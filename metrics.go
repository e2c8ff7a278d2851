package kvserver

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

// Counters for the server's externally observable work. Registered on the
// default registry so an embedding process can export them.
var (
	connsAcceptedCounter = gometrics.NewRegisteredCounter("server/conns/accepted", nil)
	connsClosedCounter   = gometrics.NewRegisteredCounter("server/conns/closed", nil)
	commandsCounter      = gometrics.NewRegisteredCounter("server/commands", nil)
	keysExpiredCounter   = gometrics.NewRegisteredCounter("server/keys/expired", nil)
	bytesReadMeter       = gometrics.NewRegisteredMeter("server/bytes/read", nil)
	bytesWrittenMeter    = gometrics.NewRegisteredMeter("server/bytes/written", nil)
)

// logMetrics periodically dumps registry counters until done is closed.
func logMetrics(logger zerolog.Logger, every time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			logger.Info().
				Int64("accepted", connsAcceptedCounter.Count()).
				Int64("closed", connsClosedCounter.Count()).
				Int64("commands", commandsCounter.Count()).
				Int64("expired", keysExpiredCounter.Count()).
				Int64("bytes_read", bytesReadMeter.Count()).
				Int64("bytes_written", bytesWrittenMeter.Count()).
				Msg("server metrics")
		}
	}
}
