package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Debug mode uses zap's development console
// encoder; otherwise JSON lines suitable for log shipping. The logger is
// installed as zap's global logger.
func New(debug bool, serviceName string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)

	if debug {
		log, err = zap.NewDevelopment()
	} else {
		config := zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.StacktraceKey = "stacktrace"
		config.EncoderConfig.LevelKey = "severity"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		config.EncoderConfig.CallerKey = "caller"
		config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		config.Encoding = "json"
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
		log, err = config.Build()
	}
	if err != nil {
		return nil, err
	}

	if serviceName != "" {
		log = log.With(zap.String("service_name", serviceName))
	}

	zap.ReplaceGlobals(log)
	return log, nil
}
