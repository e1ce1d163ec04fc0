package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/Paintersrp/warden/internal/broker"
	"github.com/Paintersrp/warden/internal/sched"
)

// Name is the backend name used in configuration.
const Name = "process"

// Environment variables handed to the child.
const (
	EnvLabel     = "WARDEN_LABEL"
	EnvStackSize = "WARDEN_STACK_SIZE"
	EnvMemory    = "WARDEN_MEMORY_LIMIT"
)

// inheritedEnv lists the only supervisor variables a child sees.
var inheritedEnv = []string{"PATH", "SYSTEMROOT"}

func init() {
	sched.Register(Name, New)
}

// childEnv builds the child's environment from scratch. The supervisor's
// own environment is not passed through, apart from inheritedEnv.
func childEnv(th sched.Thread) []string {
	env := make([]string, 0, len(inheritedEnv)+3)
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env,
		EnvLabel+"="+th.Label,
		EnvStackSize+"="+strconv.FormatUint(th.StackSize, 10),
		EnvMemory+"="+strconv.FormatUint(th.MemoryLimit, 10),
	)
}

type scheduler struct{}

// New constructs a scheduler that executes images as local processes.
func New() sched.Scheduler {
	return scheduler{}
}

func (scheduler) Schedule(ctx context.Context, th sched.Thread) (sched.Task, error) {
	if th.Image == nil {
		return nil, sched.ErrNoImage
	}
	if th.Image.Ref == "" {
		return nil, fmt.Errorf("process backend for %s requires an image path", th.Name)
	}

	// The task outlives the scheduling call; Stop owns its lifetime.
	cmd := exec.Command(th.Image.Ref)
	cmd.Env = childEnv(th)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("thread %s stdout: %w", th.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("thread %s stderr: %w", th.Name, err)
	}

	setProcessGroup(cmd)

	logSess, logErr := sched.OpenLog(ctx, th.Sessions)
	if err := cmd.Start(); err != nil {
		if logSess != nil {
			_ = logSess.Close()
		}
		return nil, fmt.Errorf("start %s: %w", th.Image.Ref, err)
	}

	t := &processTask{
		name:     th.Name,
		cmd:      cmd,
		logSess:  logSess,
		logErr:   logErr,
		waitDone: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go t.streamLogs(stdout, &wg)
	go t.streamLogs(stderr, &wg)
	go func() {
		wg.Wait()
		t.waitErr = cmd.Wait()
		if t.logSess != nil {
			_ = t.logSess.Close()
		}
		close(t.waitDone)
	}()

	return t, nil
}

type processTask struct {
	name    string
	cmd     *exec.Cmd
	logSess broker.LogSession
	logErr  error

	waitDone chan struct{}
	waitErr  error

	stopOnce sync.Once
	stopErr  error
}

// LogError reports why the child's output could not be forwarded, if it
// could not.
func (p *processTask) LogError() error {
	return p.logErr
}

func (p *processTask) streamLogs(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if p.logSess == nil {
			continue
		}
		if line := scanner.Text(); line != "" {
			_ = p.logSess.Write(line)
		}
	}
}

func (p *processTask) Wait(ctx context.Context) error {
	select {
	case <-p.waitDone:
		return p.exitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *processTask) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.terminate(ctx)
	})
	return p.stopErr
}

func (p *processTask) exitError() error {
	if p.waitErr == nil {
		return nil
	}
	return fmt.Errorf("thread %s exited: %w", p.name, p.waitErr)
}
