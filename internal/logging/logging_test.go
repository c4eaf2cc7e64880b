package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petrel/internal/conf"
)

func TestLevels(t *testing.T) {
	tests := map[string]log.Level{
		"debug":   log.DebugLevel,
		"info":    log.InfoLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"":        log.InfoLevel,
	}
	for name, want := range tests {
		l := log.New()
		require.NoError(t, initialize(l, conf.LoggingConfig{Level: name}))
		assert.Equal(t, want, l.GetLevel(), name)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := log.New()
	l.SetOutput(&buf)
	require.NoError(t, initialize(l, conf.LoggingConfig{Level: "info", Format: "json"}))

	l.WithField("service", "imap").Info("listening")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "listening", entry["msg"])
	assert.Equal(t, "imap", entry["service"])
}

func TestDiscard(t *testing.T) {
	l := log.New()
	require.NoError(t, initialize(l, conf.LoggingConfig{Format: "discard"}))
	assert.Equal(t, io.Discard, l.Out)
}
