// Package daemonize detaches the process from its controlling
// terminal. Go cannot fork the running process, so detaching is done
// by re-executing the binary with a marker in the environment: the
// parent exits once the child is started, the child completes the
// detach by moving into its own session.
//
// Standard streams stay attached so startup diagnostics from the child
// remain visible.
package daemonize

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

const detachEnv = "POWERD_DETACHED"

// Detached reports whether this process is the re-executed child.
func Detached() bool {
	return os.Getenv(detachEnv) == "1"
}

// Respawn starts the binary again with the detach marker set. On
// success the caller must exit without doing further work.
func Respawn() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), detachEnv+"=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// Finish completes the detach in the child: a fresh session and a
// working directory that holds no mount busy.
func Finish() {
	// fails only when already a session leader
	_, _ = unix.Setsid()
	_ = os.Chdir("/")
	_ = os.Unsetenv(detachEnv)
}
