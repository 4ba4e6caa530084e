package observability

import (
	"testing"
	"time"

	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordPulse("natpmp", 450*time.Millisecond)
	RecordTransition("natpmp", "succeeded")
	RecordMappingRequest("natpmp", true)
	RecordMappingRequest("upnp", false)

	log.Debug().Msg("observability/metrics: registration idempotent and recording paths executed")
}
