package portfwd

import (
	"fmt"

	"github.com/rs/zerolog"
)

// reportPrefix opens every operator-facing status line.
const reportPrefix = "Port forward => "

// Reporter receives human-readable status lines for the operator log.
type Reporter interface {
	Line(format string, args ...any)
}

type logReporter struct {
	log zerolog.Logger
}

// NewLogReporter returns a Reporter writing prefixed lines through the
// given logger at info level.
func NewLogReporter(log zerolog.Logger) Reporter {
	return &logReporter{log: log}
}

func (r *logReporter) Line(format string, args ...any) {
	r.log.Info().Msg(reportPrefix + fmt.Sprintf(format, args...))
}
