package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/groupchat/internal/engine"
)

// File descriptor numbers the engine child inherits.
const (
	ManagerFD    = 3
	PopulationFD = 4
)

// EngineSpec describes one engine launch.
type EngineSpec struct {
	Addr    string
	Manager net.Conn // may be nil

	// Population is the write end of the side channel. Launch takes
	// ownership of it; it is closed once the engine can no longer write.
	Population *os.File
}

// Launcher starts chat engines.
type Launcher interface {
	Launch(ctx context.Context, spec EngineSpec) (*Engine, error)
}

// Engine is a handle to a running chat engine.
type Engine struct {
	pid  int
	stop func()
	kill func() // optional
	done chan struct{}
	err  error // set before done is closed
}

// Pid returns the engine's process ID.
func (e *Engine) Pid() int {
	return e.pid
}

// Done is closed when the engine has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the exit error once Done is closed.
func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Stop asks the engine to exit and waits for it. If ctx ends first the
// engine is killed. It returns the engine's exit error.
func (e *Engine) Stop(ctx context.Context) error {
	e.stop()
	select {
	case <-e.done:
	case <-ctx.Done():
		if e.kill != nil {
			e.kill()
		}
		<-e.done
	}
	return e.err
}

// ProcessLauncher runs the engine as a child process by re-executing the
// current binary with the engine subcommand.
type ProcessLauncher struct {
	Executable string   // defaults to os.Executable()
	Args       []string // appended after the engine subcommand flags
	Env        []string // child environment; nil inherits the supervisor's
	Logger     zerolog.Logger
}

// Launch starts the child. The manager socket becomes ManagerFD and the side
// channel PopulationFD in the child.
func (l *ProcessLauncher) Launch(_ context.Context, spec EngineSpec) (*Engine, error) {
	defer spec.Population.Close()

	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
	}

	args := []string{"engine", "--addr", spec.Addr, "--population-fd", strconv.Itoa(PopulationFD)}
	extra := []*os.File{nil, spec.Population}

	if spec.Manager != nil {
		fc, ok := spec.Manager.(interface{ File() (*os.File, error) })
		if !ok {
			return nil, errors.New("manager connection has no file descriptor")
		}
		mf, err := fc.File()
		if err != nil {
			return nil, fmt.Errorf("dup manager socket: %w", err)
		}
		defer mf.Close()
		extra[0] = mf
		args = append(args, "--manager-fd", strconv.Itoa(ManagerFD))
	} else {
		devNull, err := os.Open(os.DevNull)
		if err != nil {
			return nil, err
		}
		defer devNull.Close()
		extra[0] = devNull
	}
	args = append(args, l.Args...)

	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extra
	cmd.Env = l.Env

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	e := &Engine{
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	e.stop = func() {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			l.Logger.Warn().Err(err).Int("pid", e.pid).Msg("failed to signal engine")
		}
	}
	e.kill = func() {
		_ = cmd.Process.Kill()
	}
	go func() {
		e.err = cmd.Wait()
		close(e.done)
	}()

	l.Logger.Info().Int("pid", e.pid).Str("addr", spec.Addr).Msg("engine process started")
	return e, nil
}

// InProcessLauncher runs the engine on a goroutine of the current process.
// The manager socket is not handed over since nothing needs to inherit it.
type InProcessLauncher struct {
	Config  engine.Config
	Logger  zerolog.Logger
	Options []engine.Option
}

// Launch binds spec.Addr and serves on it until stopped.
func (l *InProcessLauncher) Launch(ctx context.Context, spec EngineSpec) (*Engine, error) {
	cfg := l.Config
	cfg.Addr = spec.Addr

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		spec.Population.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	opts := append([]engine.Option{engine.WithPopulationChannel(spec.Population)}, l.Options...)
	srv := engine.New(cfg, l.Logger, opts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Engine{
		pid:  os.Getpid(),
		stop: cancel,
		done: make(chan struct{}),
	}
	go func() {
		e.err = srv.Serve(runCtx, ln)
		spec.Population.Close()
		close(e.done)
	}()
	return e, nil
}
