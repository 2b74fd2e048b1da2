package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/labctl.yaml")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Session, cfg.Session)
	assert.Equal(t, 250, cfg.Session.PollIntervalMs)
	assert.Equal(t, 3, cfg.Scope.MaxConsecutiveErrors)
}
