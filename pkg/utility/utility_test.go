package utility

import (
	"log/slog"

	"github.com/raterudder/loadrudder/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}
