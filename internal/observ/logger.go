package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build(zap.Fields(zap.String("env", env)))
}

// SecuritySignal records a rejected action that may indicate probing or a
// broken client. The record is for operators; end users only ever see a
// generic "action not allowed".
func SecuritySignal(logger *zap.Logger, op, actorID string, err error) {
	logger.Warn("access denied",
		zap.Bool("security_signal", true),
		zap.String("op", op),
		zap.String("actor_id", actorID),
		zap.Error(err),
	)
}

// BestEffort logs a failure of a step whose error is deliberately not
// returned to the caller.
func BestEffort(logger *zap.Logger, op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	logger.Warn("best-effort step failed", fields...)
}
