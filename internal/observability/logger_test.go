package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		wantErr bool
	}{
		{name: "structured info", level: "info", profile: "structured"},
		{name: "console debug", level: "debug", profile: "console"},
		{name: "upper case profile", level: "WARN", profile: "STRUCTURED"},
		{name: "empty profile", level: "error", profile: ""},
		{name: "bad level", level: "loud", profile: "structured", wantErr: true},
		{name: "bad profile", level: "info", profile: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger("orchestra", tt.level, tt.profile)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	CLILogger = zap.NewNop()
	InitCLILogger("test", true)
	require.NotNil(t, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zap.DebugLevel))

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zap.DebugLevel))
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.Error(t, InitLogger("test", "nope", ProfileStructured))
	assert.Equal(t, orig, CLILogger)
}
