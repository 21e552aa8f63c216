// Package docker implements peer.Executor with a simulator container per
// execution on the host Docker daemon.
//
// The container receives the compiled payload and run parameters through
// its environment and reports the result as a JSON line on stdout:
//
//	{"counts": {"00": 512, "11": 512}, "elapsedMs": 40, "metadata": {...}}
//
// Exit code 75 means the simulated device is busy and the run may be
// retried; 65 means the payload was rejected.
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"qkernel/internal/isolation"
	"qkernel/internal/peer"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "qkernel-simulator"

	exitUnavailable = 75 // EX_TEMPFAIL
	exitBadPayload  = 65 // EX_DATAERR

	maxStderrTail = 2048
)

// Executor runs simulator containers.
type Executor struct {
	client *client.Client
	config Config
	runs   *runRepo
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewExecutor connects to the Docker daemon from the environment and removes
// simulator containers left over from a previous process.
func NewExecutor(ctx context.Context, cfg Config) (*Executor, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	e := &Executor{
		client: dockerClient,
		config: cfg.withDefaults(),
		runs:   newRunRepo(),
		logger: slog.With("component", "simulator"),
	}

	if err := e.reconcile(ctx); err != nil {
		e.logger.Warn("Failed to remove orphaned simulator containers", "error", err)
	}
	return e, nil
}

// reconcile removes containers this executor owns but no longer tracks.
// Executions do not survive a restart; their jobs are failed upstream.
func (e *Executor) reconcile(ctx context.Context) error {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		e.removeContainer(ctx, c.ID)
	}
	if len(containers) > 0 {
		e.logger.Info("Removed orphaned simulator containers", "count", len(containers))
	}
	return nil
}

// Execute runs the payload in a fresh container and waits for it to exit.
// Cancelling ctx stops and removes the container.
func (e *Executor) Execute(ctx context.Context, req peer.ExecuteRequest) (peer.Execution, error) {
	if err := e.runs.reserve(req.JobID); err != nil {
		return peer.Execution{}, err
	}
	e.wg.Add(1)
	defer e.wg.Done()
	defer e.runs.release(req.JobID)

	logger := e.logger.With("jobId", req.JobID, "deviceId", req.DeviceID)

	// Pull with a detached context so a short call deadline does not abort
	// a shared image download.
	if err := e.pullImageIfNeeded(context.WithoutCancel(ctx), e.config.Image); err != nil {
		return peer.Execution{}, peer.NewError(peer.KindDeviceUnavailable, "pull simulator image: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.config.RunTimeout)
	defer cancel()

	containerID, err := e.createContainer(runCtx, req)
	if err != nil {
		if ferr := e.runFailure(ctx, runCtx); ferr != nil {
			return peer.Execution{}, ferr
		}
		return peer.Execution{}, peer.NewError(peer.KindDeviceUnavailable, "create simulator container: %v", err)
	}
	defer e.removeContainer(context.WithoutCancel(ctx), containerID)
	e.runs.commit(req.JobID, &runState{containerID: containerID, cancel: cancel})

	started := time.Now()
	if err := e.client.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		if ferr := e.runFailure(ctx, runCtx); ferr != nil {
			return peer.Execution{}, ferr
		}
		return peer.Execution{}, peer.NewError(peer.KindDeviceUnavailable, "start simulator container: %v", err)
	}
	logger.Debug("Simulator started", "containerId", containerID)

	exitCode, err := e.waitForExit(runCtx, containerID)
	if err != nil {
		if ferr := e.runFailure(ctx, runCtx); ferr != nil {
			logger.Warn("Simulator run aborted", "containerId", containerID, "error", ferr)
			return peer.Execution{}, ferr
		}
		return peer.Execution{}, &peer.Error{Kind: peer.KindInternal, Message: fmt.Sprintf("wait for simulator: %v", err), Retryable: true}
	}

	stdout, stderr, err := e.collectLogs(context.WithoutCancel(ctx), containerID)
	if err != nil {
		return peer.Execution{}, &peer.Error{Kind: peer.KindInternal, Message: fmt.Sprintf("read simulator output: %v", err)}
	}
	logger.Info("Simulator exited", "exitCode", exitCode, "duration", time.Since(started))

	return interpret(exitCode, stdout, stderr, time.Since(started))
}

// runFailure classifies a run whose context ended. The caller's own
// cancellation or deadline is returned as is; a run that outlived
// RunTimeout is a retryable DeviceUnavailable. It returns nil while runCtx
// is still live.
func (e *Executor) runFailure(ctx, runCtx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return peer.NewError(peer.KindDeviceUnavailable, "simulator run exceeded %v", e.config.RunTimeout)
	}
	return nil
}

// Isolate implements isolation.Enforcer. The simulator has no crosstalk so
// the request is only logged.
func (e *Executor) Isolate(_ context.Context, req isolation.Request) error {
	e.logger.Debug("Isolation not enforced by simulator", "jobId", req.JobID, "guard", req.Guard)
	return nil
}

// Ping checks if the Docker daemon is reachable and responsive.
func (e *Executor) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close cancels in-flight executions, waits for them to clean up and closes
// the Docker client.
func (e *Executor) Close() error {
	for _, rs := range e.runs.list() {
		if rs != nil && rs.cancel != nil {
			rs.cancel()
		}
	}
	e.wg.Wait()
	return e.client.Close()
}

func (e *Executor) createContainer(ctx context.Context, req peer.ExecuteRequest) (string, error) {
	containerConfig := &container.Config{
		Image: e.config.Image,
		Cmd:   e.config.Command,
		Env:   buildEnv(req, e.config.RunTimeout),
		Labels: map[string]string{
			"job.id":       req.JobID,
			"device.id":    req.DeviceID,
			managedByLabel: managedByValue,
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(e.config.CPU * 1e9),
			Memory:   int64(e.config.MemoryMB) * 1024 * 1024,
		},
		ExtraHosts: e.config.ExtraHosts,
	}

	name := fmt.Sprintf("qkernel-sim-%s-%d", req.JobID, time.Now().UnixNano())
	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *Executor) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (e *Executor) collectLogs(ctx context.Context, containerID string) ([]byte, []byte, error) {
	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, nil, err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (e *Executor) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := e.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := e.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *Executor) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	timeout := int(e.config.StopTimeout.Seconds())
	_ = e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	_ = e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// buildEnv encodes an execution request for the simulator. Options become
// OPTION_<KEY> variables.
func buildEnv(req peer.ExecuteRequest, timeout time.Duration) []string {
	slots := make([]string, len(req.Slots))
	for i, s := range req.Slots {
		slots[i] = strconv.Itoa(s)
	}

	env := []string{
		"JOB_ID=" + req.JobID,
		"DEVICE_ID=" + req.DeviceID,
		"SHOTS=" + strconv.Itoa(req.Shots),
		"SLOTS=" + strings.Join(slots, ","),
		"PAYLOAD_FORMAT=" + req.Format,
		"PAYLOAD_B64=" + base64.StdEncoding.EncodeToString(req.Payload),
		"TIMEOUT_SECONDS=" + strconv.Itoa(int(timeout.Seconds())),
	}

	keys := make([]string, 0, len(req.Options))
	for k := range req.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("OPTION_%s=%s", envKey(k), req.Options[k]))
	}
	return env
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, k)
}

type simulatorOutput struct {
	Counts    map[string]int64  `json:"counts"`
	ElapsedMs int64             `json:"elapsedMs"`
	Metadata  map[string]string `json:"metadata"`
}

// interpret maps a finished container to an execution result or a typed
// peer error.
func interpret(exitCode int, stdout, stderr []byte, wall time.Duration) (peer.Execution, error) {
	switch exitCode {
	case 0:
	case exitUnavailable:
		return peer.Execution{}, peer.NewError(peer.KindDeviceUnavailable, "simulator busy: %s", tail(stderr))
	case exitBadPayload:
		return peer.Execution{}, peer.NewError(peer.KindInvalidPayload, "%s", tail(stderr))
	default:
		return peer.Execution{}, peer.NewError(peer.KindInternal, "simulator exited with code %d: %s", exitCode, tail(stderr))
	}

	line := lastLine(stdout)
	var out simulatorOutput
	if err := json.Unmarshal(line, &out); err != nil {
		return peer.Execution{}, peer.NewError(peer.KindInternal, "malformed simulator output: %v", err)
	}
	if out.Counts == nil {
		return peer.Execution{}, peer.NewError(peer.KindInternal, "simulator output has no counts")
	}

	elapsed := time.Duration(out.ElapsedMs) * time.Millisecond
	if elapsed == 0 {
		elapsed = wall
	}
	return peer.Execution{Counts: out.Counts, Elapsed: elapsed, Metadata: out.Metadata}, nil
}

func lastLine(b []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	return bytes.TrimSpace(lines[len(lines)-1])
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxStderrTail {
		s = s[len(s)-maxStderrTail:]
	}
	if s == "" {
		return "no output"
	}
	return s
}

var (
	_ peer.Executor      = (*Executor)(nil)
	_ peer.Pinger        = (*Executor)(nil)
	_ isolation.Enforcer = (*Executor)(nil)
)
