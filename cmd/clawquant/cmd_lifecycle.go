package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var errNotRunning = errors.New("clawquant is not running")

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
	stopCmd.Flags().Duration("wait", 0, "wait up to this long for the daemon to exit")
}

func pidPath() string {
	return filepath.Join(loadConfig().DataDir, pidFile)
}

// daemonPID returns the PID recorded by serve if that process is alive.
// A PID file left behind by a crashed daemon reads as not running.
func daemonPID() (int, error) {
	data, err := os.ReadFile(pidPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, errNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("PID file %s is corrupt", pidPath())
	}
	if !alive(pid) {
		return 0, errNotRunning
	}
	return pid, nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func isRunning() bool {
	_, err := daemonPID()
	return err == nil
}

func signalDaemon(sig syscall.Signal) (int, error) {
	pid, err := daemonPID()
	if err != nil {
		return 0, err
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return 0, fmt.Errorf("send %s to %d: %w", sig, pid, err)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon after it flushes pending events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGTERM)
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetDuration("wait")
		if wait <= 0 {
			fmt.Fprintf(os.Stdout, "Asked clawquant (PID %d) to stop.\n", pid)
			return nil
		}

		deadline := time.Now().Add(wait)
		for alive(pid) {
			if time.Now().After(deadline) {
				return fmt.Errorf("clawquant (PID %d) still running after %s", pid, wait)
			}
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprintf(os.Stdout, "clawquant (PID %d) stopped.\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Re-exec the daemon so it reloads config and risk rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Asked clawquant (PID %d) to restart.\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemonPID()
		if errors.Is(err, errNotRunning) {
			fmt.Fprintln(os.Stdout, "clawquant is not running.")
			return nil
		}
		if err != nil {
			return err
		}
		since := ""
		if info, err := os.Stat(pidPath()); err == nil {
			since = fmt.Sprintf(", up %s", time.Since(info.ModTime()).Round(time.Second))
		}
		fmt.Fprintf(os.Stdout, "clawquant is running (PID %d%s).\n", pid, since)
		return nil
	},
}
