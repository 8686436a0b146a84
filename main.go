package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	llmpipelines "github.com/temirov/llm-pipelines/cmd/llm-pipelines"
)

func main() {
	logger := zap.Must(zap.NewProduction())

	if loadErr := godotenv.Load(); loadErr != nil && !errors.Is(loadErr, fs.ErrNotExist) {
		logger.Warn("load .env", zap.Error(loadErr))
	}

	executionErr := llmpipelines.Execute()
	if executionErr != nil {
		logger.Error("command execution failed", zap.Error(executionErr))
		_ = logger.Sync()
		os.Exit(1)
	}

	syncErr := logger.Sync()
	if syncErr != nil {
		os.Exit(1)
	}
}
