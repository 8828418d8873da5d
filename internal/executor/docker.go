package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
)

// dockerAPI is the slice of the daemon client the driver needs. Tests supply
// a fake; production uses *client.Client.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecStart(ctx context.Context, execID string, config container.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
}

// ContainerDriverConfig mirrors the docker section of the config file.
type ContainerDriverConfig struct {
	Image        string
	MemoryMB     int64
	Network      string
	AgentCommand string
	Workdir      string
	RelayBaseURL string
	GitProxyURL  string
}

// ContainerDriver runs session sandboxes as long-lived containers on a
// docker daemon. Handles survive stops so idle sessions resume warm.
type ContainerDriver struct {
	api     dockerAPI
	store   *persistence.Store
	bus     *bus.Bus
	tokens  TokenIssuer
	metrics *otel.Metrics
	cfg     ContainerDriverConfig
	logger  *slog.Logger

	execPoll time.Duration
}

// TokenIssuer mints a fresh capability token per spawn.
type TokenIssuer interface {
	Issue(sess *persistence.Session) (string, error)
}

func NewContainerDriver(store *persistence.Store, b *bus.Bus, tokens TokenIssuer, metrics *otel.Metrics, cfg ContainerDriverConfig, logger *slog.Logger) (*ContainerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newContainerDriver(cli, store, b, tokens, metrics, cfg, logger), nil
}

func newContainerDriver(api dockerAPI, store *persistence.Store, b *bus.Bus, tokens TokenIssuer, metrics *otel.Metrics, cfg ContainerDriverConfig, logger *slog.Logger) *ContainerDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerDriver{
		api:      api,
		store:    store,
		bus:      b,
		tokens:   tokens,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		execPoll: 250 * time.Millisecond,
	}
}

func (d *ContainerDriver) Spawn(ctx context.Context, sess *persistence.Session) error {
	tok, err := d.tokens.Issue(sess)
	if err != nil {
		return fmt.Errorf("issue capability token: %w", err)
	}
	env := launchEnv{Token: tok, RelayBaseURL: d.cfg.RelayBaseURL, GitProxyURL: d.cfg.GitProxyURL}

	name := sess.ContainerName
	if name != "" {
		info, err := d.api.ContainerInspect(ctx, name)
		if cerrdefs.IsNotFound(err) {
			// The handle points at a container someone deleted out from
			// under us. Recreating under the same identity would mask
			// that, so the session fails instead.
			d.logger.Warn("container handle gone", "session_id", sess.ID, "container", name)
			if serr := d.store.UpdateSessionStatus(ctx, sess.ID, persistence.SessionFailed); serr != nil {
				d.logger.Error("mark session failed", "session_id", sess.ID, "error", serr)
			}
			return ErrHandleGone
		}
		if err != nil {
			return fmt.Errorf("inspect container: %w", err)
		}
		if info.State != nil && info.State.Running {
			// A prior agent may still be alive in there.
			if err := d.execSync(ctx, name, killStaleAgentCommand(d.cfg.AgentCommand), nil); err != nil {
				d.logger.Warn("stale agent kill failed", "session_id", sess.ID, "error", err)
			}
		} else {
			if err := d.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
				return fmt.Errorf("start container: %w", err)
			}
		}
	} else {
		name, err = d.create(ctx, sess)
		if err != nil {
			return err
		}
		if err := d.store.SetContainerName(ctx, sess.ID, name); err != nil {
			return fmt.Errorf("store container handle: %w", err)
		}
		sess.ContainerName = name
	}

	setup := buildSetupScript(sess, env, d.cfg.Workdir)
	if err := d.runSetup(ctx, name, setup, env.vars(sess)); err != nil {
		return err
	}

	launch := buildLaunchCommand(sess, d.cfg.AgentCommand, d.cfg.Workdir)
	if err := d.execDetached(ctx, name, launch, env.vars(sess)); err != nil {
		return fmt.Errorf("launch agent: %w", err)
	}

	go d.watchExit(sess.ID, name)
	return nil
}

func (d *ContainerDriver) Stop(ctx context.Context, sess *persistence.Session) error {
	if sess.ContainerName == "" {
		return nil
	}
	err := d.api.ContainerStop(ctx, sess.ContainerName, container.StopOptions{})
	if cerrdefs.IsNotFound(err) {
		return ErrHandleGone
	}
	if err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (d *ContainerDriver) Remove(ctx context.Context, sess *persistence.Session) error {
	if sess.ContainerName == "" {
		return nil
	}
	err := d.api.ContainerRemove(ctx, sess.ContainerName, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return d.store.ClearHandles(ctx, sess.ID)
}

func (d *ContainerDriver) create(ctx context.Context, sess *persistence.Session) (string, error) {
	name := "relay-" + sessionTag(sess)
	resp, err := d.api.ContainerCreate(ctx,
		&container.Config{
			Image: d.cfg.Image,
			// PID 1 is a keepalive so the container survives agent restarts;
			// the agent itself runs as an exec. Exit code 0 in watchExit is
			// therefore only reachable with images whose entrypoint runs the
			// agent as the container command.
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: d.cfg.Workdir,
			Labels:     map[string]string{"relay.session": sess.ID},
		},
		&container.HostConfig{
			Resources:   container.Resources{Memory: d.cfg.MemoryMB * 1024 * 1024},
			NetworkMode: container.NetworkMode(d.cfg.Network),
			// Blackhole cloud instance-metadata hostnames so the sandboxed
			// process cannot mint infrastructure credentials.
			ExtraHosts: []string{
				"metadata.google.internal:0.0.0.0",
				"metadata:0.0.0.0",
				"instance-data:0.0.0.0",
			},
		}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return name, nil
}

// runSetup executes the setup script synchronously and fails the spawn on a
// nonzero exit. Launching the agent on a broken checkout helps nobody.
func (d *ContainerDriver) runSetup(ctx context.Context, name, script string, env []string) error {
	if err := d.execSync(ctx, name, script, env); err != nil {
		return fmt.Errorf("sandbox setup: %w", err)
	}
	return nil
}

func (d *ContainerDriver) execSync(ctx context.Context, name, script string, env []string) error {
	resp, err := d.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd: []string{"sh", "-c", script},
		Env: env,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}
	if err := d.api.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{}); err != nil {
		return fmt.Errorf("exec start: %w", err)
	}
	for {
		info, err := d.api.ContainerExecInspect(ctx, resp.ID)
		if err != nil {
			return fmt.Errorf("exec inspect: %w", err)
		}
		if !info.Running {
			if info.ExitCode != 0 {
				return fmt.Errorf("exec exited with code %d", info.ExitCode)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.execPoll):
		}
	}
}

func (d *ContainerDriver) execDetached(ctx context.Context, name, script string, env []string) error {
	resp, err := d.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:    []string{"sh", "-c", script},
		Env:    env,
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}
	if err := d.api.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("exec start: %w", err)
	}
	return nil
}

// watchExit maps the container's exit code onto the session lifecycle.
// 0 means the agent finished its work; 137/143 are kill/term, a stop we or
// the operator initiated, which leaves the session resumable.
func (d *ContainerDriver) watchExit(sessionID, name string) {
	ctx := context.Background()
	statusCh, errCh := d.api.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			d.logger.Warn("container wait failed", "session_id", sessionID, "error", err)
			return
		}
	case st := <-statusCh:
		code := int(st.StatusCode)
		next := persistence.SessionFailed
		switch code {
		case 0:
			next = persistence.SessionCompleted
		case 137, 143:
			next = persistence.SessionIdle
		}
		d.logger.Info("container exited",
			"session_id", sessionID, "container", name, "exit_code", code, "status", string(next))
		if d.metrics != nil {
			d.metrics.SandboxExits.Add(ctx, 1,
				metric.WithAttributes(otel.AttrOutcome.String(string(next))))
		}
		if err := d.store.UpdateSessionStatus(ctx, sessionID, next); err != nil {
			d.logger.Error("update status on exit", "session_id", sessionID, "error", err)
		}
		if d.bus != nil {
			d.bus.Publish(bus.ExecutorExitTopic(sessionID), bus.ExecutorExited{
				SessionID: sessionID,
				ExitCode:  code,
			})
		}
	}
}
