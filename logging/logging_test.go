package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/iaxcore/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureJSON(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	c, err := Configure(logger, config.Log{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer c.Close()

	logger.WithField("function", "TestConfigureJSON").Debug("hello")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "TestConfigureJSON", line["function"])
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestConfigureRejectsUnknown(t *testing.T) {
	_, err := Configure(logrus.New(), config.Log{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = Configure(logrus.New(), config.Log{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestConfigureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iaxd.log")
	logger := logrus.New()
	var buf bytes.Buffer
	c, err := Configure(logger, config.Log{File: config.LogFile{Filename: path, MaxSize: 1}}, &buf)
	require.NoError(t, err)

	logger.Info("to both")
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}
