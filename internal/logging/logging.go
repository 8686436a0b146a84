package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	unknownFormatErrorFormat = "unknown log format %q (want %s or %s)"
	invalidLevelErrorFormat  = "invalid log level %q: %w"
)

// New builds a zap logger for level and format. An empty level means info and
// an empty format means console.
func New(level, format string) (*zap.Logger, error) {
	atomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(trimmed))
		if err != nil {
			return nil, fmt.Errorf(invalidLevelErrorFormat, level, err)
		}
		atomicLevel.SetLevel(parsed)
	}

	var configuration zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		configuration = zap.NewProductionConfig()
	case FormatConsole, "":
		configuration = zap.NewDevelopmentConfig()
		configuration.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf(unknownFormatErrorFormat, format, FormatJSON, FormatConsole)
	}
	configuration.Level = atomicLevel
	configuration.OutputPaths = []string{"stderr"}
	configuration.ErrorOutputPaths = []string{"stderr"}
	return configuration.Build()
}
