package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("gomobility", false)
	require.NotNil(t, CLILogger)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.InfoLevel))

	InitCLILogger("gomobility", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewServiceLogger(t *testing.T) {
	logger, err := NewServiceLogger("serve", "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = NewServiceLogger("serve", "shouting")
	assert.Error(t, err)
}
