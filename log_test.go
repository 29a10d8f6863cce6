package main

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_setupLogging(t *testing.T) {
	defer func() {
		log.SetOutput(os.Stderr)
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{})
	}()

	f := filepath.Join(t.TempDir(), "receiver.log")
	require.Nil(t, setupLogging(&logCfg{Level: "warn", Format: "json", File: f, MaxSizeMB: 1}))
	assert.Equal(t, log.WarnLevel, log.GetLevel())

	log.Info("hidden")
	log.WithField("peer", "127.0.0.1").Warn("shown")

	b, err := os.ReadFile(f)
	require.Nil(t, err)
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, string(b), `"peer":"127.0.0.1"`)

	assert.NotNil(t, setupLogging(&logCfg{Level: "loud"}))
	assert.NotNil(t, setupLogging(&logCfg{Level: "info", Format: "xml"}))
}
