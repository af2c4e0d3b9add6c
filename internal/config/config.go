// Package config loads the Coordinator's bootstrap configuration from
// the environment, with a .env file (checked in the working directory
// and its parent) as an optional override source.
//
// Shape and the getEnv/getEnvInt idiom are carried over from the
// teacher's top-level config loader; the env/.env layering itself comes
// from that loader's use of joho/godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/apexplay/coordinator/internal/sandboxbackend"
)

// Config is everything a Coordinator needs to start: per-channel sandbox
// images, the Docker host to dial, global concurrency limits, and the
// workspace root new Containers' crate-info lookups are rooted at.
type Config struct {
	DockerHost     string
	StableImage    string
	BetaImage      string
	NightlyImage   string
	MemoryBytes    int64
	PidsLimit      int64
	NanoCPUs       int64
	ContainerLimit int
	ProcessLimit   int
	CrateInfoDir   string
}

// Load reads environment variables into a Config, after optionally
// loading a .env file from the working directory or its parent. A
// missing .env file is not an error — production deployments set real
// environment variables instead.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}

	cfg := Config{
		DockerHost:     getEnv("DOCKER_HOST", "unix:///var/run/docker.sock"),
		StableImage:    getEnv("COORDINATOR_STABLE_IMAGE", "playground-worker:stable"),
		BetaImage:      getEnv("COORDINATOR_BETA_IMAGE", "playground-worker:beta"),
		NightlyImage:   getEnv("COORDINATOR_NIGHTLY_IMAGE", "playground-worker:nightly"),
		MemoryBytes:    getEnvInt64("COORDINATOR_MEMORY_BYTES", 512*1024*1024),
		PidsLimit:      getEnvInt64("COORDINATOR_PIDS_LIMIT", 128),
		NanoCPUs:       getEnvInt64("COORDINATOR_NANO_CPUS", 1_000_000_000),
		ContainerLimit: getEnvInt("COORDINATOR_CONTAINER_LIMIT", 8),
		ProcessLimit:   getEnvInt("COORDINATOR_PROCESS_LIMIT", 32),
		CrateInfoDir:   getEnv("COORDINATOR_CRATE_INFO_DIR", "/opt/playground/crate-info"),
	}
	if cfg.ContainerLimit <= 0 {
		return Config{}, fmt.Errorf("config: COORDINATOR_CONTAINER_LIMIT must be positive")
	}
	if cfg.ProcessLimit <= 0 {
		return Config{}, fmt.Errorf("config: COORDINATOR_PROCESS_LIMIT must be positive")
	}
	return cfg, nil
}

// DockerBackendConfig adapts this Config into a sandboxbackend.DockerConfig.
func (c Config) DockerBackendConfig() sandboxbackend.DockerConfig {
	return sandboxbackend.DockerConfig{
		Host: c.DockerHost,
		Images: map[sandboxbackend.Channel]string{
			sandboxbackend.ChannelStable:  c.StableImage,
			sandboxbackend.ChannelBeta:    c.BetaImage,
			sandboxbackend.ChannelNightly: c.NightlyImage,
		},
		MemoryBytes: c.MemoryBytes,
		PidsLimit:   c.PidsLimit,
		NanoCPUs:    c.NanoCPUs,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
