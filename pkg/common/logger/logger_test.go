package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogUsableBeforeInit(t *testing.T) {
	require.NotNil(t, Log)
	assert.NotPanics(t, func() { WithField("chain_level", 1).Debug("before init") })
}

func TestInitHonoursLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	Init()
	assert.Equal(t, logrus.WarnLevel, Log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, Log.Formatter)

	t.Setenv("LOG_LEVEL", "nonsense")
	Init()
	assert.Equal(t, logrus.InfoLevel, Log.GetLevel())
}
