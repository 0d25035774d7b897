package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "run_duration_seconds",
		Help:      "Duration of sandboxed policy runs",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	runTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "run_timeouts_total",
		Help:      "Sandboxed runs killed after hitting the timeout",
	}, []string{"image"})

	runFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "run_failures_total",
		Help:      "Sandboxed runs that could not be completed",
	}, []string{"image"})
)

// ErrTimeout is returned when the container exceeds its time budget.
var ErrTimeout = errors.New("sandbox run timed out")

// Runner executes a command inside an isolated container.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// RunRequest describes one sandboxed invocation. Workspace is bind-mounted read-only.
type RunRequest struct {
	Image     string
	Cmd       []string
	Env       []string
	Workspace string
	Timeout   time.Duration
}

// RunResult captures the container output.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Config groups sandbox limits.
type Config struct {
	Host          string
	Timeout       time.Duration
	MemoryLimitMB int64
	NanoCPUs      int64
	PidsLimit     int64
	MountPath     string
	Logger        zerolog.Logger
}

// Sandbox runs policy code in throwaway containers with no network and a read-only root.
type Sandbox struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewSandbox constructs a Docker backed sandbox.
func NewSandbox(cfg Config) (*Sandbox, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.MountPath == "" {
		cfg.MountPath = "/workspace"
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = 64
	}

	return &Sandbox{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grading-api/pkg/docker"),
		logger: cfg.Logger.With().Str("component", "sandbox").Logger(),
	}, nil
}

// MountPath is where the workspace appears inside the container.
func (s *Sandbox) MountPath() string {
	return s.cfg.MountPath
}

// Run creates the container, waits for it and collects its output. The container is always removed.
func (s *Sandbox) Run(parent context.Context, req RunRequest) (RunResult, error) {
	if req.Image == "" {
		return RunResult{}, errors.New("image is required")
	}

	ctx, span := s.tracer.Start(parent, "sandbox.run", trace.WithAttributes(
		attribute.String("docker.image", req.Image),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pids := s.cfg.PidsLimit
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    s.cfg.MemoryLimitMB * 1024 * 1024,
			NanoCPUs:  s.cfg.NanoCPUs,
			PidsLimit: &pids,
		},
	}
	if req.Workspace != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   req.Workspace,
			Target:   s.cfg.MountPath,
			ReadOnly: true,
		})
	}

	config := &container.Config{
		Image:           req.Image,
		Cmd:             req.Cmd,
		Env:             req.Env,
		WorkingDir:      s.cfg.MountPath,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
		User:            "nobody",
	}

	start := time.Now()
	result := RunResult{}

	resp, err := s.client.ContainerCreate(ctx, config, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return result, s.fail(span, req.Image, fmt.Errorf("container create: %w", err))
	}

	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	if err := s.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return result, s.fail(span, req.Image, fmt.Errorf("container start: %w", err))
	}

	statusCh, errCh := s.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var waitErr error
	select {
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	result.Duration = time.Since(start)
	runDuration.WithLabelValues(req.Image).Observe(result.Duration.Seconds())

	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) {
			runTimeouts.WithLabelValues(req.Image).Inc()
			killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.client.ContainerKill(killCtx, containerID, "KILL"); err != nil {
				s.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill timed out container")
			}
			span.RecordError(waitErr)
			span.SetStatus(codes.Error, "sandbox timed out")
			return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return result, s.fail(span, req.Image, fmt.Errorf("container wait: %w", waitErr))
	}

	logs, err := s.client.ContainerLogs(parent, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return result, s.fail(span, req.Image, fmt.Errorf("container logs: %w", err))
	}
	defer logs.Close()

	stdout, stderr, err := splitLogs(logs)
	if err != nil {
		return result, s.fail(span, req.Image, fmt.Errorf("read container logs: %w", err))
	}
	result.Stdout = stdout
	result.Stderr = stderr

	return result, nil
}

func (s *Sandbox) fail(span trace.Span, image string, err error) error {
	runFailures.WithLabelValues(image).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func splitLogs(reader io.Reader) (string, string, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil {
		return "", "", err
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

// Close shuts down the underlying client.
func (s *Sandbox) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
