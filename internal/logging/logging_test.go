package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigmarket/internal/config"
)

func TestNewJSONWithDefaultFields(t *testing.T) {
	t.Setenv("GIGMARKET_INSTANCE", "test-1")
	var buf bytes.Buffer
	log := New(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("project_id", "p1").Debug("hello")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "gigmarket", entry["service"])
	assert.Equal(t, "test-1", entry["instance"])
	assert.Equal(t, "p1", entry["project_id"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(config.LoggingConfig{Level: "loud", Format: "text"}, &buf)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	_, ok := log.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
	log.Debug("hidden")
	assert.Empty(t, buf.String())
}
