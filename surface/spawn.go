// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package surface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/canopy-foundation/canopy/lib/binhash"
	"github.com/canopy-foundation/canopy/wire"
)

// ChannelFDEnv names the environment variable telling a surface
// process which file descriptor carries its protocol channel.
const ChannelFDEnv = "CANOPY_SURFACE_CHANNEL_FD"

// RoleEnv names the environment variable carrying the surface's role
// key ("primary", "debug", ...).
const RoleEnv = "CANOPY_SURFACE_ROLE"

// channelFD is the descriptor number surfaces inherit: the first
// ExtraFiles slot after stdin/stdout/stderr.
const channelFD = 3

// Process abstracts the OS process behind a Handle so tests can
// substitute a double. Wait blocks until exit and must be called
// exactly once (the handle's monitor goroutine is the caller).
type Process interface {
	// PID returns the process ID, or a synthetic one for doubles.
	PID() int

	// Wait blocks until the process exits and returns its exit code.
	// The code is -1 when the process was killed by a signal.
	Wait() (int, error)

	// Signal delivers sig to the process.
	Signal(sig os.Signal) error

	// Kill forcibly terminates the process. Idempotent best-effort:
	// killing an already-dead process is not an error worth acting on.
	Kill() error
}

// Spawner creates surface processes. The supervisor calls Spawn from a
// short-lived goroutine (spawning must not block the control loop) and
// wraps the result in a Handle.
type Spawner interface {
	Spawn(ctx context.Context, role wire.Role) (io.ReadWriteCloser, Process, error)
}

// ExecSpawner launches surface processes from configured commands. The
// supervisor and the surface share a Unix socketpair: the surface
// inherits its end as fd 3 and finds it via ChannelFDEnv.
type ExecSpawner struct {
	// Commands maps a role key (wire.Role.String()) to the argv that
	// starts a surface for that role.
	Commands map[string][]string

	// Logger receives spawn-time diagnostics. Nil selects
	// slog.Default().
	Logger *slog.Logger
}

// Spawn starts the configured command for role with one end of a fresh
// socketpair and returns the supervisor's end plus the process handle.
// The surface binary's BLAKE3 digest is logged so crash reports
// identify the exact build.
func (s *ExecSpawner) Spawn(ctx context.Context, role wire.Role) (io.ReadWriteCloser, Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	argv := s.Commands[role.String()]
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("no surface command configured for role %q", role)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating surface channel socketpair: %w", err)
	}
	supervisorEnd := os.NewFile(uintptr(fds[0]), "canopy-channel-supervisor")
	surfaceEnd := os.NewFile(uintptr(fds[1]), "canopy-channel-surface")

	binaryPath, err := exec.LookPath(argv[0])
	if err != nil {
		supervisorEnd.Close()
		surfaceEnd.Close()
		return nil, nil, fmt.Errorf("resolving surface binary %q: %w", argv[0], err)
	}
	if digest, hashErr := binhash.HashFile(binaryPath); hashErr != nil {
		// Non-fatal: the digest is diagnostic context, not a gate.
		logger.Warn("hashing surface binary", "binary", binaryPath, "error", hashErr)
	} else {
		logger.Info("spawning surface",
			"role", role.String(),
			"binary", binaryPath,
			"digest", binhash.FormatDigest(digest),
		)
	}

	cmd := exec.CommandContext(ctx, binaryPath, argv[1:]...)
	// ExtraFiles dups the descriptor to fd 3 in the child, clearing
	// close-on-exec in the process.
	cmd.ExtraFiles = []*os.File{surfaceEnd}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", ChannelFDEnv, channelFD),
		fmt.Sprintf("%s=%s", RoleEnv, role.String()),
	)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		supervisorEnd.Close()
		surfaceEnd.Close()
		return nil, nil, fmt.Errorf("starting surface process: %w", err)
	}

	// The child holds its own copy now.
	surfaceEnd.Close()

	return supervisorEnd, &execProcess{cmd: cmd}, nil
}

// execProcess adapts exec.Cmd to the Process interface.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return exitError.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
