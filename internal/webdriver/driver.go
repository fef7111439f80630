package webdriver

import (
	"fmt"
	"os/exec"
	"sync"
)

// Driver owns a running WebDriver server process.
type Driver struct {
	cmd       *exec.Cmd
	done      chan struct{}
	closeOnce sync.Once
}

// StartDriver appends --port=<port> to cmd, detaches its standard streams and
// starts it.
func StartDriver(cmd *exec.Cmd, port int) (*Driver, error) {
	cmd.Args = append(cmd.Args, fmt.Sprintf("--port=%d", port))
	// nil streams are connected to the null device
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, cmd.Path, err)
	}

	d := &Driver{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(d.done)
	}()

	return d, nil
}

// Pid returns the process id of the driver.
func (d *Driver) Pid() int {
	return d.cmd.Process.Pid
}

// Exited reports whether the driver process has terminated. It never blocks.
func (d *Driver) Exited() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Done is closed once the driver process has terminated.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Close kills the driver and waits for it to exit. Errors from either step
// are discarded; Close is safe to call more than once.
func (d *Driver) Close() {
	d.closeOnce.Do(func() {
		_ = d.cmd.Process.Kill()
		<-d.done
	})
}
