package coinalert

import (
	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/logger"
	lrlog "github.com/raykavin/coinalert/pkg/logger/logrus"
	zlog "github.com/raykavin/coinalert/pkg/logger/zerolog"
)

// NewLogger builds the logger selected by LOG_BACKEND
func NewLogger(settings core.LogSettings) (logger.Logger, error) {
	if settings.Backend == "logrus" {
		log, err := lrlog.New(settings)
		if err != nil {
			return nil, err
		}
		return log, nil
	}

	log, err := zlog.New(settings)
	if err != nil {
		return nil, err
	}
	return log, nil
}
