package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	logger, err = New("warn", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "debug must be disabled at warn level")

	_, err = New("loud", false)
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	assert.Equal(t, "***REDACTED***", Redacted("k", "secret").String)
	assert.Equal(t, "***NOT SET***", Redacted("k", "").String)
}
