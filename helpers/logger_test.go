package helpers

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sjsage522/shopwatch/logger"
)

func TestLogger(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "nested", "errors.log")

	var buf bytes.Buffer
	logger.InitWithWriter(&buf)
	l := NewLogger(tmpFile, logger.Default)

	l.LogError("TestShop", errors.New("test error"))

	data, err := os.ReadFile(tmpFile)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "TestShop")
	assert.Contains(t, string(data), "test error")
	assert.Contains(t, buf.String(), "test error")
}

func TestRandomHelpers(t *testing.T) {
	for i := 0; i < 50; i++ {
		v := RandomInt(3, 6)
		assert.GreaterOrEqual(t, v, 3)
		assert.LessOrEqual(t, v, 6)

		d := RandomDuration(time.Second, 2*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
	assert.Equal(t, 4, RandomInt(4, 4))
	assert.Equal(t, "only", Pick([]string{"only"}))
	assert.False(t, Chance(0))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
