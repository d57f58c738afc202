package health

import (
	"context"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
)

// AlertHandler receives newly created alerts.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert models.Alert) error
}

// AlertHandlerFunc adapts a function to AlertHandler.
type AlertHandlerFunc func(ctx context.Context, alert models.Alert) error

// HandleAlert calls f.
func (f AlertHandlerFunc) HandleAlert(ctx context.Context, alert models.Alert) error {
	return f(ctx, alert)
}

// LogHandler writes every alert to the log at a matching level.
type LogHandler struct {
	Log logger.Logger
}

// HandleAlert logs the alert.
func (h LogHandler) HandleAlert(_ context.Context, alert models.Alert) error {
	fields := []logger.Field{
		logger.String("alert_id", alert.ID),
		logger.String("collector", alert.CollectorType),
		logger.String("level", string(alert.Level)),
	}
	switch alert.Level {
	case models.AlertCritical, models.AlertError:
		h.Log.Error(alert.Message, fields...)
	case models.AlertWarning:
		h.Log.Warn(alert.Message, fields...)
	default:
		h.Log.Info(alert.Message, fields...)
	}
	return nil
}
