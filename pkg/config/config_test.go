package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	logger := logrus.New()

	cfg, err := Load(logger)
	require.NoError(t, err)

	assert.Equal(t, "hunt", cfg.Store.Database)
	assert.Equal(t, "200601", cfg.Store.SuffixFormat)
	assert.Equal(t, int32(128), cfg.Store.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Store.MaxExecutionTime)
	assert.Equal(t, 10*time.Second, cfg.Search.AggregationWindow)
	assert.Equal(t, 10, cfg.Search.MaxLegs)
	assert.Equal(t, 50, cfg.Search.DefaultLimit)
	assert.True(t, cfg.Session.HideRetransmits)
	assert.Equal(t, time.Second, cfg.Media.BlockDuration)
	assert.Equal(t, float64(10000), cfg.Media.JitterCeiling)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_SUFFIX_FORMAT", "20060102")
	t.Setenv("SEARCH_MAX_LEGS", "4")
	t.Setenv("SESSION_HIDE_RETRANSMITS", "false")
	t.Setenv("SEARCH_AGGREGATION_WINDOW", "2s")

	cfg, err := Load(logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "20060102", cfg.Store.SuffixFormat)
	assert.Equal(t, 4, cfg.Search.MaxLegs)
	assert.False(t, cfg.Session.HideRetransmits)
	assert.Equal(t, 2*time.Second, cfg.Search.AggregationWindow)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load(logrus.New())
	require.NoError(t, err)

	cfg.Store.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg.Store.BatchSize = 128
	cfg.Search.MaxLegs = -1
	assert.Error(t, cfg.Validate())

	cfg.Search.MaxLegs = 10
	cfg.Store.SuffixFormat = "Jan2006"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonNumericSuffix(t *testing.T) {
	t.Setenv("STORE_SUFFIX_FORMAT", "2006-Jan")

	_, err := Load(logrus.New())
	assert.Error(t, err)
}
