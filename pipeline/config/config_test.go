package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultQueueSize(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1000, cfg.QueueSize)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	yamlDoc := []byte(`
queue_size: 50
default_step_timeout: 2s
external_dep_prefixes:
  - github.com/aws/aws-sdk-go-v2
`)
	cfg, err := Load(yamlDoc)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.QueueSize)
	require.Equal(t, 2*time.Second, cfg.DefaultStepTimeout)
	require.Equal(t, []string{"github.com/aws/aws-sdk-go-v2"}, cfg.ExternalDepPrefixes)
}

func TestOptionsOverrideYAML(t *testing.T) {
	yamlDoc := []byte(`queue_size: 50`)
	cfg, err := Load(yamlDoc, WithQueueSize(5))
	require.NoError(t, err)
	require.Equal(t, 5, cfg.QueueSize)
}
