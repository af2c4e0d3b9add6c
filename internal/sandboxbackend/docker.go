package sandboxbackend

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DockerConfig configures the Docker reference Sandbox Backend. Mirrors the
// non-negotiable policy the design requires of any backend: network
// disabled, architecture matched to host, memory/swap/pids capped, dropped
// capabilities, auto-removed on exit.
type DockerConfig struct {
	Host            string
	Images          map[Channel]string
	MemoryBytes     int64
	PidsLimit       int64
	NanoCPUs        int64
	AllowedRuntime  string // empty means the default runc runtime
}

// DefaultDockerConfig returns conservative, production-biased defaults,
// grounded on sandbox/v2's DefaultConfig in the teacher.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Host: "unix:///var/run/docker.sock",
		Images: map[Channel]string{
			ChannelStable:  "playground-worker:stable",
			ChannelBeta:    "playground-worker:beta",
			ChannelNightly: "playground-worker:nightly",
		},
		MemoryBytes: 512 * 1024 * 1024,
		PidsLimit:   128,
		NanoCPUs:    1_000_000_000,
	}
}

// DockerBackend launches Workers as locked-down Docker containers.
type DockerBackend struct {
	cfg    DockerConfig
	cli    *client.Client
	log    *zap.Logger
}

// NewDockerBackend constructs a Docker-backed Sandbox Backend.
func NewDockerBackend(cfg DockerConfig, log *zap.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("sandboxbackend: docker client init: %w", err)
	}
	return &DockerBackend{cfg: cfg, cli: cli, log: log}, nil
}

func (b *DockerBackend) PrepareWorkerCommand(ctx context.Context, channel Channel, displayName string) (StartCommand, TerminateCommand, error) {
	image, ok := b.cfg.Images[channel]
	if !ok {
		return nil, nil, fmt.Errorf("sandboxbackend: no image configured for channel %q", channel)
	}
	containerName := "playground-" + displayName + "-" + uuid.NewString()[:8]

	pidsLimit := b.cfg.PidsLimit
	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		CapDrop:     []string{"ALL"},
		NetworkMode: "none",
		Runtime:     b.cfg.AllowedRuntime,
		Resources: container.Resources{
			Memory:     b.cfg.MemoryBytes,
			MemorySwap: b.cfg.MemoryBytes,
			NanoCPUs:   b.cfg.NanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}

	cmd := &dockerStartCommand{
		backend:       b,
		image:         image,
		containerName: containerName,
		hostCfg:       hostCfg,
	}
	term := &dockerTerminateCommand{backend: b, containerName: containerName}
	return cmd, term, nil
}

type dockerStartCommand struct {
	backend       *DockerBackend
	image         string
	containerName string
	hostCfg       *container.HostConfig

	containerID string
}

func (c *dockerStartCommand) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	created, err := c.backend.cli.ContainerCreate(ctx, &container.Config{
		Image:        c.image,
		Cmd:          []string{"worker", "/workspace"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: false,
		OpenStdin:    true,
		StdinOnce:    false,
		Tty:          false,
	}, c.hostCfg, &network.NetworkingConfig{}, nil, c.containerName)
	if err != nil {
		return nil, nil, fmt.Errorf("sandboxbackend: container create: %w", err)
	}
	c.containerID = created.ID

	att, err := c.backend.cli.ContainerAttach(ctx, c.containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sandboxbackend: container attach: %w", err)
	}

	if err := c.backend.cli.ContainerStart(ctx, c.containerID, container.StartOptions{}); err != nil {
		att.Close()
		return nil, nil, fmt.Errorf("sandboxbackend: container start: %w", err)
	}

	sandboxbackendTrackStart(c.backend.log, c.containerName)

	// ContainerAttach's stream is stdcopy-framed whenever Tty is false,
	// regardless of which of stdout/stderr were attached: every frame
	// carries an 8-byte stream header that would otherwise land in the
	// middle of the wire protocol's gob stream. Demux it before handing
	// the reader to the Commander.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, att.Reader)
		pw.CloseWithError(err)
		att.Close()
	}()

	return att.Conn, pr, nil
}

func (c *dockerStartCommand) Wait() error {
	waitCh, errCh := c.backend.cli.ContainerWait(context.Background(), c.containerID, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
		return nil
	case err := <-errCh:
		return err
	}
}

type dockerTerminateCommand struct {
	backend       *DockerBackend
	containerName string
}

func (t *dockerTerminateCommand) Terminate(ctx context.Context) error {
	defer sandboxbackendTrackStop(t.backend.log, t.containerName)
	if err := t.backend.cli.ContainerKill(ctx, t.containerName, "SIGKILL"); err != nil {
		return fmt.Errorf("sandboxbackend: terminate worker container %s: %w", t.containerName, err)
	}
	return nil
}

func sandboxbackendTrackStart(log *zap.Logger, name string) { TrackStart(log, name) }
func sandboxbackendTrackStop(log *zap.Logger, name string)  { TrackStop(log, name) }
