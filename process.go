package hio

import (
	"net"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// ProcessFlags select which standard streams a process device wires up,
//
type ProcessFlags uint32

const (
	ReadOut ProcessFlags = 1 << iota
	ErrToNul
	WriteIn
	ForgetChild // reap the child without waiting for it on master disconnect
)

// OnForkFunc runs after the child process has been prepared but before
// exec, giving the caller a chance to build a sanitized environment (CGI
// uses this to install GATEWAY_INTERFACE et al). Go's os/exec has no
// between-fork-and-exec hook, so this runs before StartProcess is called
// and simply returns the environment to use for exec.
type OnForkFunc func() (env []string, err error)

// Process is a process device: a master record tracking the child PID
// plus up to three slave pipe Devices (stdin/stdout/stderr) that share
// the master's lifetime - closing the master closes every slave.
type Process struct {
	loop    *Loop
	cmd     *exec.Cmd
	Stdin   *Device // nil unless WriteIn is set
	Stdout  *Device // nil unless ReadOut is set
	Stderr  *Device // nil unless ErrToNul is clear and stderr is wired
	flags   ProcessFlags
	halted  bool
	onExit  func(*Process, error)
}

// NewProcess forks/execs path with args, wiring the requested standard
// streams as slave devices. onFork, if non-nil, supplies the exec
// environment (the sanitize-then-populate step CGI needs).
func (l *Loop) NewProcess(path string, args []string, flags ProcessFlags, onFork OnForkFunc, onExit func(*Process, error)) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = os.Environ()
	if onFork != nil {
		env, err := onFork()
		if err != nil {
			return nil, NewError(KindPermission, "process.make", err)
		}
		cmd.Env = env
	}

	p := &Process{loop: l, cmd: cmd, flags: flags, onExit: onExit}

	var stdinW, stdoutR, stderrR *os.File
	if flags&WriteIn != 0 {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, NewError(KindExhausted, "process.make", err)
		}
		cmd.Stdin = r
		stdinW = w
	}
	if flags&ReadOut != 0 {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, NewError(KindExhausted, "process.make", err)
		}
		cmd.Stdout = w
		stdoutR = r
	}
	if flags&ErrToNul == 0 {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, NewError(KindExhausted, "process.make", err)
		}
		cmd.Stderr = w
		stderrR = r
	} else {
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err == nil {
			cmd.Stderr = devnull
		}
	}

	if err := cmd.Start(); err != nil {
		closeIfNotNil(stdinW, stdoutR, stderrR)
		return nil, NewError(KindIO, "process.make", err)
	}
	// The parent-side ends of the pipes we handed to the child are no
	// longer needed in this process once Start has dup2'd them into the
	// child's fd table.
	closeChildEnd(cmd.Stdin)
	closeChildEnd(cmd.Stdout)
	closeChildEnd(cmd.Stderr)

	if stdinW != nil {
		dev, err := l.wrapPipeDevice(stdinW, nil)
		if err != nil {
			return nil, err
		}
		p.Stdin = dev
	}
	if stdoutR != nil {
		dev, err := l.wrapPipeDevice(stdoutR, nil)
		if err != nil {
			return nil, err
		}
		p.Stdout = dev
	}
	if stderrR != nil {
		dev, err := l.wrapPipeDevice(stderrR, nil)
		if err != nil {
			return nil, err
		}
		p.Stderr = dev
	}

	go p.wait()

	return p, nil
}

func closeIfNotNil(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func closeChildEnd(f any) {
	if rc, ok := f.(*os.File); ok && rc != nil {
		_ = rc.Close()
	}
}

// wrapPipeDevice registers f's fd as a KindProcess slave device sharing
// the process master's lifetime.
func (l *Loop) wrapPipeDevice(f *os.File, cb *Callbacks) (*Device, error) {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, NewError(KindIO, "process.wrap", err)
	}
	var callbacks Callbacks
	if cb != nil {
		callbacks = *cb
	}
	dev, err := l.newDevice(KindProcess, fd, callbacks, deviceOps{
		rawRead:  pipeRawRead,
		rawWrite: pipeRawWrite,
		closeOS:  func(d *Device) { _ = f.Close() },
	}, f)
	if err != nil {
		return nil, err
	}
	dev.State = StConnected
	return dev, nil
}

func pipeRawRead(dev *Device, buf []byte) (int, net.Addr, bool, error) {
	n, err := unix.Read(dev.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, false, nil
		}
		return 0, nil, true, err
	}
	return n, nil, true, nil
}

func pipeRawWrite(dev *Device, entry *writeEntry) (int, bool, error) {
	if entry.Data == nil {
		return 0, true, nil
	}
	n, err := unix.Write(dev.fd, entry.Data)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, false, nil
		}
		return 0, true, err
	}
	if n < len(entry.Data) {
		entry.Data = entry.Data[n:]
		return n, false, nil
	}
	return n, true, nil
}

// wait reaps the child in a dedicated goroutine (os/exec provides no
// non-blocking waitpid) and hands the result back onto the loop via
// Submit so onExit always runs on the loop goroutine.
func (p *Process) wait() {
	err := p.cmd.Wait()
	_ = p.loop.Submit(func() {
		if p.onExit != nil {
			p.onExit(p, err)
		}
	})
}

// Halt closes every slave device and, unless ForgetChild is set, the
// caller is expected to have already observed process exit via onExit;
// ForgetChild lets the master be torn down without waiting for Wait to
// return (the reaper goroutine still runs to avoid a zombie).
func (p *Process) Halt() {
	if p.halted {
		return
	}
	p.halted = true
	for _, d := range []*Device{p.Stdin, p.Stdout, p.Stderr} {
		if d != nil {
			p.loop.Halt(d)
		}
	}
	if p.flags&ForgetChild != 0 {
		_ = p.cmd.Process.Kill()
	}
}

// PID returns the child process ID.
func (p *Process) PID() int { return p.cmd.Process.Pid }
