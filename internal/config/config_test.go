package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	clearCoordinatorEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "unix:///var/run/docker.sock", cfg.DockerHost)
	assert.Equal(t, 8, cfg.ContainerLimit)
	assert.Equal(t, 32, cfg.ProcessLimit)
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	clearCoordinatorEnv(t)
	t.Setenv("COORDINATOR_CONTAINER_LIMIT", "3")
	t.Setenv("COORDINATOR_STABLE_IMAGE", "custom:stable")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ContainerLimit)
	assert.Equal(t, "custom:stable", cfg.StableImage)
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	clearCoordinatorEnv(t)
	t.Setenv("COORDINATOR_CONTAINER_LIMIT", "0")

	_, err := Load()
	assert.Error(t, err)
}

func clearCoordinatorEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DOCKER_HOST",
		"COORDINATOR_STABLE_IMAGE",
		"COORDINATOR_BETA_IMAGE",
		"COORDINATOR_NIGHTLY_IMAGE",
		"COORDINATOR_MEMORY_BYTES",
		"COORDINATOR_PIDS_LIMIT",
		"COORDINATOR_NANO_CPUS",
		"COORDINATOR_CONTAINER_LIMIT",
		"COORDINATOR_PROCESS_LIMIT",
		"COORDINATOR_CRATE_INFO_DIR",
	} {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}
