// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (development=%t): %w", development, err)
	}
	return logger.Named("ingest"), nil
}

// Triple returns the fields that identify a triple in every log line, so a
// failed triple can be re-run on its own.
func Triple(rec procurement.EligibilityRecord) []zap.Field {
	return []zap.Field{
		zap.String("control_id", rec.ControlID),
		zap.String("organization_id", rec.OrganizationID),
		zap.Int("year", rec.Year),
		zap.Int("sequence", rec.Sequence),
	}
}

// Item returns the fields that identify one item.
func Item(item procurement.Item) []zap.Field {
	return []zap.Field{
		zap.String("control_id", item.ControlID),
		zap.String("organization_id", item.OrganizationID),
		zap.Int("sequence", item.Sequence),
		zap.Int("item_number", item.ItemNumber),
	}
}
