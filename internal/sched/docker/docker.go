// Package docker schedules a child image as a Docker container. The
// container's memory limit is the child's RAM quota and its output is
// forwarded to a LOG session opened on the child's behalf.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Paintersrp/warden/internal/broker"
	"github.com/Paintersrp/warden/internal/sched"
)

// Name is the backend name used in configuration.
const Name = "docker"

// Container labels set on every child container.
const (
	LabelChild  = "io.warden.child"
	LabelThread = "io.warden.thread"
)

// MinMemory is the smallest memory limit the Docker daemon accepts. Smaller
// child quotas are rounded up to it.
const MinMemory = 6 * 1024 * 1024

const stopTimeout = 10 * time.Second

func init() {
	sched.Register(Name, New)
}

type scheduler struct {
	client     *client.Client
	clientOnce sync.Once
	clientErr  error
}

// New returns a Docker backed scheduler. The client is created lazily on the
// first Schedule call.
func New() sched.Scheduler {
	return &scheduler{}
}

func (s *scheduler) getClient() (*client.Client, error) {
	s.clientOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			s.clientErr = err
			return
		}
		s.client = cli
	})
	return s.client, s.clientErr
}

func (s *scheduler) Schedule(ctx context.Context, th sched.Thread) (sched.Task, error) {
	if th.Image == nil {
		return nil, sched.ErrNoImage
	}
	cli, err := s.getClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if err := ensureImage(ctx, cli, th.Image.Ref); err != nil {
		return nil, err
	}

	containerCfg, hostCfg := buildConfigs(th)
	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		_ = cli.ContainerRemove(context.Background(), created.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	t := newTask(cli, created.ID)
	logSess, logErr := sched.OpenLog(ctx, th.Sessions)
	t.logErr = logErr
	t.startLogStreamer(logSess)
	t.startWaiter()
	return t, nil
}

type waitOutcome struct {
	status container.WaitResponse
	err    error
}

type task struct {
	cli         *client.Client
	containerID string

	logCtx  context.Context
	logStop context.CancelFunc
	logDone chan struct{}
	logErr  error

	waitOnce   sync.Once
	waitDone   chan struct{}
	waitResult waitOutcome

	stopOnce sync.Once
	stopErr  error
}

func newTask(cli *client.Client, id string) *task {
	logCtx, logCancel := context.WithCancel(context.Background())
	return &task{
		cli:         cli,
		containerID: id,
		logCtx:      logCtx,
		logStop:     logCancel,
		logDone:     make(chan struct{}),
		waitDone:    make(chan struct{}),
	}
}

func (t *task) startLogStreamer(sess broker.LogSession) {
	go func() {
		defer close(t.logDone)
		if sess == nil {
			return
		}
		defer sess.Close()
		reader, err := t.cli.ContainerLogs(t.logCtx, t.containerID, types.ContainerLogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
			Tail:       "all",
		})
		if err != nil {
			return
		}
		defer reader.Close()

		out := sched.NewLogWriter(sess)
		_, _ = stdcopy.StdCopy(out, out, reader)
		out.Flush()
	}()
}

func (t *task) startWaiter() {
	go func() {
		statusCh, errCh := t.cli.ContainerWait(context.Background(), t.containerID, container.WaitConditionNextExit)
		var outcome waitOutcome
		select {
		case err := <-errCh:
			outcome.err = err
		case resp := <-statusCh:
			outcome.status = resp
		}
		t.waitOnce.Do(func() {
			t.waitResult = outcome
			close(t.waitDone)
		})
	}()
}

func (t *task) Wait(ctx context.Context) error {
	select {
	case <-t.waitDone:
		return waitOutcomeError(t.waitResult)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops and removes the container.
func (t *task) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		defer func() {
			t.logStop()
			<-t.logDone
		}()
		sec := int(stopTimeout.Seconds())
		var errs []error
		if err := t.cli.ContainerStop(ctx, t.containerID, container.StopOptions{Timeout: &sec}); err != nil && !client.IsErrNotFound(err) {
			if killErr := t.cli.ContainerKill(ctx, t.containerID, "SIGKILL"); killErr != nil && !client.IsErrNotFound(killErr) {
				errs = append(errs, fmt.Errorf("container stop: %v; kill: %w", err, killErr))
			}
		}
		if err := t.cli.ContainerRemove(ctx, t.containerID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("container remove: %w", err))
		}
		t.stopErr = errors.Join(errs...)
	})
	return t.stopErr
}

func waitOutcomeError(outcome waitOutcome) error {
	if outcome.err != nil {
		return outcome.err
	}
	if outcome.status.Error != nil && outcome.status.Error.Message != "" {
		return errors.New(outcome.status.Error.Message)
	}
	if outcome.status.StatusCode != 0 {
		return fmt.Errorf("container exited with status %d", outcome.status.StatusCode)
	}
	return nil
}

func ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}
	reader, err := cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func buildConfigs(th sched.Thread) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: th.Image.Ref,
		Env: []string{
			"WARDEN_LABEL=" + th.Label,
			"WARDEN_STACK_SIZE=" + strconv.FormatUint(th.StackSize, 10),
		},
		Labels: map[string]string{
			LabelChild:  th.Label,
			LabelThread: th.Name,
		},
	}

	var res container.Resources
	if th.MemoryLimit > 0 {
		mem := int64(th.MemoryLimit)
		if mem < MinMemory {
			mem = MinMemory
		}
		res.Memory = mem
	}
	res.NanoCPUs = th.NanoCPUs
	return cfg, &container.HostConfig{Resources: res}
}
