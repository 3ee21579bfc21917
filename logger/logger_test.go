package logger

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestGetLogLevel(t *testing.T) {
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("SHOPWATCH_ENVIRONMENT")
	assert.Equal(t, zerolog.DebugLevel, getLogLevel())

	os.Setenv("SHOPWATCH_ENVIRONMENT", "production")
	assert.Equal(t, zerolog.InfoLevel, getLogLevel())

	os.Setenv("LOG_LEVEL", "warn")
	assert.Equal(t, zerolog.WarnLevel, getLogLevel())

	os.Setenv("LOG_LEVEL", "nonsense")
	assert.Equal(t, zerolog.InfoLevel, getLogLevel())

	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("SHOPWATCH_ENVIRONMENT")
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)

	ForFetcher("goodshop").Info().Msg("loaded")
	assert.Contains(t, buf.String(), `"component":"fetcher"`)
	assert.Contains(t, buf.String(), `"shop":"goodshop"`)

	buf.Reset()
	ForTracker().Error().Err(errors.New("boom")).Msg("ingest failed")
	assert.Contains(t, buf.String(), `"error":"boom"`)
	assert.Contains(t, buf.String(), `"component":"tracker"`)

	buf.Reset()
	ForScheduler("scrape").WithFields(Fields{"day": "monday"}).Warn().Msg("rearmed")
	assert.Contains(t, buf.String(), `"scheduler":"scrape"`)
	assert.Contains(t, buf.String(), `"day":"monday"`)
}
