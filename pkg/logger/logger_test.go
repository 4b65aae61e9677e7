package logger

import (
	"bytes"
	"errors"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleLogger(t *testing.T) {
	t.Run("NewConsoleLogger", func(t *testing.T) {
		logger := NewConsoleLogger("info")
		assert.NotNil(t, logger)

		consoleLogger, ok := logger.(*ConsoleLogger)
		require.True(t, ok)
		assert.Equal(t, "info", consoleLogger.Level)
	})

	t.Run("NewTestLogger", func(t *testing.T) {
		logger := NewTestLogger()
		assert.NotNil(t, logger)

		consoleLogger, ok := logger.(*ConsoleLogger)
		require.True(t, ok)
		assert.Equal(t, "debug", consoleLogger.Level)
	})
}

func TestLoggingLevels(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	t.Run("Debug", func(t *testing.T) {
		buf.Reset()

		logger := &ConsoleLogger{Level: "debug"}
		logger.Debug("debug message")

		output := buf.String()
		assert.Contains(t, output, "[DEBUG]")
		assert.Contains(t, output, "debug message")

		buf.Reset()

		// Info level logger should not log debug messages
		logger = &ConsoleLogger{Level: "info"}
		logger.Debug("debug message")
		assert.Empty(t, buf.String())
	})

	t.Run("Info", func(t *testing.T) {
		buf.Reset()

		logger := &ConsoleLogger{Level: "info"}
		logger.Info("info message", map[string]interface{}{"key": "value"})

		output := buf.String()
		assert.Contains(t, output, "[INFO]")
		assert.Contains(t, output, "info message")
		assert.Contains(t, output, "key=value")
	})

	t.Run("Warn", func(t *testing.T) {
		buf.Reset()

		logger := &ConsoleLogger{Level: "info"}
		logger.Warn("warn message")

		assert.Contains(t, buf.String(), "[WARN]")
	})

	t.Run("Error", func(t *testing.T) {
		buf.Reset()

		logger := &ConsoleLogger{Level: "info"}
		logger.Error("error message", errors.New("boom"))

		output := buf.String()
		assert.Contains(t, output, "[ERROR]")
		assert.Contains(t, output, "error=boom")
	})
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	base := NewConsoleLogger("info")
	scoped := base.WithFields(map[string]interface{}{"component": "auth"})

	scoped.Info("scoped message")

	output := buf.String()
	assert.Contains(t, output, "component=auth")
	assert.Contains(t, output, "scoped message")

	// The base logger is not mutated.
	buf.Reset()
	base.Info("base message")
	assert.NotContains(t, buf.String(), "component=auth")
}
