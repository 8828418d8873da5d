package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
)

var (
	// ErrSandboxGone means the runtime no longer knows the sandbox id.
	ErrSandboxGone = errors.New("sandbox not found")
	ErrRuntimeAPI  = errors.New("sandbox runtime api error")
)

// sandboxClient talks to the serverless sandbox runtime's REST API.
type sandboxClient struct {
	baseURL string
	token   string
	client  *http.Client
}

type sandboxInfo struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

type sandboxCreateRequest struct {
	Image string            `json:"image"`
	Env   map[string]string `json:"env,omitempty"`
}

type sandboxExecRequest struct {
	Command   string   `json:"command"`
	Env       []string `json:"env,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
	Detach    bool     `json:"detach,omitempty"`
}

type sandboxExecResponse struct {
	ExitCode int `json:"exit_code"`
}

type sandboxSnapshotResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

func newSandboxClient(baseURL, token string) *sandboxClient {
	return &sandboxClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *sandboxClient) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSandboxGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrRuntimeAPI, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

func (c *sandboxClient) Create(ctx context.Context, image string) (*sandboxInfo, error) {
	var info sandboxInfo
	err := c.do(ctx, http.MethodPost, "/v1/sandboxes", sandboxCreateRequest{Image: image}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *sandboxClient) Exec(ctx context.Context, id string, req sandboxExecRequest) (int, error) {
	var out sandboxExecResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/exec", req, &out); err != nil {
		return -1, err
	}
	return out.ExitCode, nil
}

func (c *sandboxClient) Snapshot(ctx context.Context, id string) (string, error) {
	var out sandboxSnapshotResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/snapshot", nil, &out); err != nil {
		return "", err
	}
	return out.SnapshotID, nil
}

func (c *sandboxClient) Kill(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+id, nil, nil)
}

// ServerlessDriverConfig mirrors the serverless section of the config file.
type ServerlessDriverConfig struct {
	BaseURL       string
	Token         string
	BaseImage     string
	ExecTimeoutMS int
	AgentCommand  string
	Workdir       string
	RelayBaseURL  string
	GitProxyURL   string
}

// ServerlessDriver runs session sandboxes on a remote snapshot-capable
// runtime. Stops snapshot the filesystem so resumes skip setup entirely.
type ServerlessDriver struct {
	api     *sandboxClient
	store   *persistence.Store
	tokens  TokenIssuer
	metrics *otel.Metrics
	cfg     ServerlessDriverConfig
	logger  *slog.Logger

	// raceRetries bounds the stop/spawn snapshot race retry loop.
	raceRetries int
	raceDelay   time.Duration
}

func NewServerlessDriver(store *persistence.Store, tokens TokenIssuer, metrics *otel.Metrics, cfg ServerlessDriverConfig, logger *slog.Logger) *ServerlessDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerlessDriver{
		api:         newSandboxClient(cfg.BaseURL, cfg.Token),
		store:       store,
		tokens:      tokens,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
		raceRetries: 3,
		raceDelay:   500 * time.Millisecond,
	}
}

func (d *ServerlessDriver) Spawn(ctx context.Context, sess *persistence.Session) error {
	tok, err := d.tokens.Issue(sess)
	if err != nil {
		return fmt.Errorf("issue capability token: %w", err)
	}
	env := launchEnv{Token: tok, RelayBaseURL: d.cfg.RelayBaseURL, GitProxyURL: d.cfg.GitProxyURL}

	if sess.SandboxID != "" {
		err := d.reuse(ctx, sess, env)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSandboxGone) {
			return err
		}
		// The live handle vanished. A concurrent stop may have just
		// snapshotted and terminated it; re-read the row a few times
		// before concluding the sandbox is simply gone.
		if rerr := d.awaitSnapshotFromStop(ctx, sess); rerr != nil {
			return rerr
		}
	}

	if sess.SnapshotID != "" {
		return d.resume(ctx, sess, env)
	}
	return d.coldStart(ctx, sess, env)
}

// reuse relaunches the agent inside a still-live sandbox.
func (d *ServerlessDriver) reuse(ctx context.Context, sess *persistence.Session, env launchEnv) error {
	if _, err := d.api.Exec(ctx, sess.SandboxID, sandboxExecRequest{
		Command:   killStaleAgentCommand(d.cfg.AgentCommand),
		TimeoutMS: d.cfg.ExecTimeoutMS,
	}); err != nil {
		return err
	}
	if err := d.runSetup(ctx, sess.SandboxID, sess, env); err != nil {
		return err
	}
	return d.launch(ctx, sess.SandboxID, sess, env)
}

func (d *ServerlessDriver) awaitSnapshotFromStop(ctx context.Context, sess *persistence.Session) error {
	for i := 0; i < d.raceRetries; i++ {
		fresh, err := d.store.GetSession(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("reread session: %w", err)
		}
		if fresh.SnapshotID != "" && fresh.SnapshotID != sess.SnapshotID {
			d.logger.Info("picked up snapshot from concurrent stop",
				"session_id", sess.ID, "snapshot_id", fresh.SnapshotID)
			*sess = *fresh
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.raceDelay):
		}
	}
	// No snapshot appeared: the sandbox is genuinely gone.
	sess.SandboxID = ""
	return nil
}

// resume creates a sandbox from the session's snapshot image. Setup is
// skipped: the filesystem already reflects prior state.
func (d *ServerlessDriver) resume(ctx context.Context, sess *persistence.Session, env launchEnv) error {
	info, err := d.api.Create(ctx, sess.SnapshotID)
	if err != nil {
		return fmt.Errorf("create sandbox from snapshot: %w", err)
	}
	if err := d.store.SetSandboxID(ctx, sess.ID, info.ID); err != nil {
		return fmt.Errorf("store sandbox handle: %w", err)
	}
	sess.SandboxID = info.ID
	return d.launch(ctx, info.ID, sess, env)
}

func (d *ServerlessDriver) coldStart(ctx context.Context, sess *persistence.Session, env launchEnv) error {
	info, err := d.api.Create(ctx, d.cfg.BaseImage)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	if err := d.store.SetSandboxID(ctx, sess.ID, info.ID); err != nil {
		return fmt.Errorf("store sandbox handle: %w", err)
	}
	sess.SandboxID = info.ID
	if err := d.runSetup(ctx, info.ID, sess, env); err != nil {
		return err
	}
	return d.launch(ctx, info.ID, sess, env)
}

func (d *ServerlessDriver) runSetup(ctx context.Context, id string, sess *persistence.Session, env launchEnv) error {
	code, err := d.api.Exec(ctx, id, sandboxExecRequest{
		Command:   buildSetupScript(sess, env, d.cfg.Workdir),
		Env:       env.vars(sess),
		TimeoutMS: d.cfg.ExecTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("sandbox setup: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("sandbox setup exited with code %d", code)
	}
	return nil
}

func (d *ServerlessDriver) launch(ctx context.Context, id string, sess *persistence.Session, env launchEnv) error {
	if _, err := d.api.Exec(ctx, id, sandboxExecRequest{
		Command: buildLaunchCommand(sess, d.cfg.AgentCommand, d.cfg.Workdir),
		Env:     env.vars(sess),
		Detach:  true,
	}); err != nil {
		return fmt.Errorf("launch agent: %w", err)
	}
	return nil
}

// Stop snapshots the filesystem and terminates the sandbox. The snapshot id
// replaces the live handle, which is what makes idle resumable.
func (d *ServerlessDriver) Stop(ctx context.Context, sess *persistence.Session) error {
	if sess.SandboxID == "" {
		return nil
	}
	snapID, err := d.api.Snapshot(ctx, sess.SandboxID)
	if err != nil {
		if errors.Is(err, ErrSandboxGone) {
			return ErrHandleGone
		}
		return fmt.Errorf("snapshot sandbox: %w", err)
	}
	if err := d.api.Kill(ctx, sess.SandboxID); err != nil && !errors.Is(err, ErrSandboxGone) {
		return fmt.Errorf("terminate sandbox: %w", err)
	}
	if err := d.store.SetSnapshot(ctx, sess.ID, snapID); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	if d.metrics != nil {
		d.metrics.SandboxExits.Add(ctx, 1,
			metric.WithAttributes(otel.AttrOutcome.String(string(persistence.SessionIdle))))
	}
	sess.SnapshotID = snapID
	sess.SandboxID = ""
	return nil
}

func (d *ServerlessDriver) Remove(ctx context.Context, sess *persistence.Session) error {
	if sess.SandboxID != "" {
		if err := d.api.Kill(ctx, sess.SandboxID); err != nil && !errors.Is(err, ErrSandboxGone) {
			return fmt.Errorf("terminate sandbox: %w", err)
		}
	}
	return d.store.ClearHandles(ctx, sess.ID)
}
