package logger

import "go.uber.org/zap"

// New builds the process logger. Production uses the JSON encoder at info
// level; everything else gets the console encoder at debug level.
func New(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
