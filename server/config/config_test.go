package config_test

import (
	"testing"
	"time"

	"github.com/rangestore-io/rangestore/server/config"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := config.New()
	require.Equal(t, int64(256*1024*1024), c.Int64(config.MaxFileSize, 0))
	require.Equal(t, 2, c.Int(config.NumRetries, 0))
	require.Equal(t, 3*time.Second, c.Millis(config.MsgInterval, 0))
}

func TestApplyOverrides(t *testing.T) {
	c := config.New()
	c.ApplyOverrides(map[string]string{
		config.MaxFileSize: "1048576",
		"some.new.key":     "value",
	})
	require.Equal(t, int64(1048576), c.Int64(config.MaxFileSize, 0))
	require.Equal(t, "value", c.Get("some.new.key"))
}

func TestBadValueFallsBack(t *testing.T) {
	c := config.New()
	c.Set(config.NumRetries, "not-a-number")
	require.Equal(t, 7, c.Int(config.NumRetries, 7))
}
