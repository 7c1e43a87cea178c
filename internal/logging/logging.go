// Package logging wraps zap with the sync core's audit conventions:
// one structured line per admission decision and one per outbound
// call, with leveled, machine-parseable fields instead of free-text
// prefixes.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production JSON logger at the given level, tagged with
// the deployment environment label from config.
func New(level string, environment string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("environment", environment)), nil
}

// Admission emits the audit line for every webhook admission decision.
func Admission(log *zap.Logger, provider, eventKind, outcome, sourceIP string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("event", "webhook_admission"),
		zap.String("provider", provider),
		zap.String("event_kind", eventKind),
		zap.String("outcome", outcome),
		zap.String("source_ip", sourceIP),
	}
	log.Info("webhook admitted", append(base, fields...)...)
}

// OutboundCall emits the audit line for every outbound API call.
func OutboundCall(log *zap.Logger, provider, op, status string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("event", "outbound_call"),
		zap.String("provider", provider),
		zap.String("op", op),
		zap.String("status", status),
	}
	log.Info("outbound call completed", append(base, fields...)...)
}

// SecurityEvent flags signature or auth failures with a stable,
// recognizable event name as a structured field instead of free text.
func SecurityEvent(log *zap.Logger, kind, sourceIP string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("event", "security_"+kind),
		zap.String("source_ip", sourceIP),
	}
	log.Warn("security event", append(base, fields...)...)
}
