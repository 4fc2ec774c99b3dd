// Package pipeline runs the per-session child processes: a demodulator that
// locks the tuner hardware and emits raw MPEG-TS on stdout, piped into a
// transcoder that produces the client-facing container.
package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// gracePeriod is how long children get after SIGTERM before SIGKILL.
	gracePeriod = 2 * time.Second

	// releaseSafety bounds the wait for the demodulator exit after a force
	// kill. If the exit is never observed the lease is handed back anyway.
	releaseSafety = 1500 * time.Millisecond

	scrollbackLines = 10
)

// Pair is a running demodulator+transcoder pipeline.
//
// Output() is the transcoder's stdout; every read refreshes the activity
// timestamp the stall watchdog checks. Teardown is idempotent and Done()
// closes only when the demodulator has exited (or the safety window lapsed),
// because the demodulator process is what holds the kernel tuner lock.
type Pair struct {
	tag   string
	demod *exec.Cmd
	trans *exec.Cmd
	out   io.Reader

	lastOutput atomic.Int64 // unix nanos
	scroll     *scrollback

	demodExit chan error
	transExit chan error

	once sync.Once
	done chan struct{}
}

// SpawnPair starts both children and wires demodulator stdout into the
// transcoder's stdin. tag prefixes diagnostic log lines.
func SpawnPair(tag, demodPath string, demodArgs []string, transPath string, transArgs []string) (*Pair, error) {
	demod := exec.Command(demodPath, demodArgs...)
	demod.Stdin = nil
	demodOut, err := demod.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: demod stdout: %w", err)
	}
	demodErr, err := demod.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: demod stderr: %w", err)
	}

	trans := exec.Command(transPath, transArgs...)
	trans.Stdin = demodOut
	transOut, err := trans.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: transcoder stdout: %w", err)
	}
	transErr, err := trans.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: transcoder stderr: %w", err)
	}

	if err := demod.Start(); err != nil {
		return nil, fmt.Errorf("pipeline: start demodulator: %w", err)
	}
	if err := trans.Start(); err != nil {
		_ = demod.Process.Kill()
		_ = demod.Wait()
		return nil, fmt.Errorf("pipeline: start transcoder: %w", err)
	}

	p := &Pair{
		tag:       tag,
		demod:     demod,
		trans:     trans,
		scroll:    &scrollback{},
		demodExit: make(chan error, 1),
		transExit: make(chan error, 1),
		done:      make(chan struct{}),
	}
	p.out = &activityReader{r: transOut, last: &p.lastOutput}
	p.lastOutput.Store(time.Now().UnixNano())

	// Drain stderr before Wait so the pipes are never read after close.
	go func() {
		scanLines(demodErr, tag+" demod", nil)
		p.demodExit <- demod.Wait()
	}()
	go func() {
		scanLines(transErr, tag+" transcoder", p.scroll)
		p.transExit <- trans.Wait()
	}()
	return p, nil
}

// Output is the transcoder stdout. Reads refresh the activity timestamp.
func (p *Pair) Output() io.Reader { return p.out }

// LastOutput reports when a byte last crossed the output boundary.
func (p *Pair) LastOutput() time.Time {
	return time.Unix(0, p.lastOutput.Load())
}

// Scrollback returns the last lines of transcoder diagnostic output.
func (p *Pair) Scrollback() []string { return p.scroll.lines() }

// Done closes when the lease backing this pipeline is safe to release.
func (p *Pair) Done() <-chan struct{} { return p.done }

// TranscoderExited reports asynchronous transcoder death to the session loop.
func (p *Pair) TranscoderExited() <-chan error { return p.transExit }

// Teardown stops both children, transcoder first, escalating to SIGKILL
// after the grace period. Safe to call from any goroutine, any number of
// times; only the first call acts.
func (p *Pair) Teardown() {
	p.once.Do(func() { go p.teardown() })
}

func (p *Pair) teardown() {
	defer close(p.done)

	signalProcess(p.trans, syscall.SIGTERM)
	signalProcess(p.demod, syscall.SIGTERM)

	grace := time.NewTimer(gracePeriod)
	defer grace.Stop()

	var demodDown, transDown bool
	for !demodDown || !transDown {
		select {
		case <-p.demodExit:
			demodDown = true
		case <-p.transExit:
			transDown = true
		case <-grace.C:
			if !transDown {
				signalProcess(p.trans, syscall.SIGKILL)
			}
			if !demodDown {
				signalProcess(p.demod, syscall.SIGKILL)
			}
			// Only the demodulator exit matters for the hardware lock.
			safety := time.NewTimer(releaseSafety)
			defer safety.Stop()
			for !demodDown {
				select {
				case <-p.demodExit:
					demodDown = true
				case <-safety.C:
					log.Printf("pipeline: %s demodulator exit not observed after kill, releasing anyway", p.tag)
					return
				}
			}
			return
		}
	}
}

func signalProcess(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(sig)
}

// activityReader stamps lastOutput on every successful read.
type activityReader struct {
	r    io.Reader
	last *atomic.Int64
}

func (a *activityReader) Read(b []byte) (int, error) {
	n, err := a.r.Read(b)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}
	return n, err
}

// scrollback keeps the last scrollbackLines of transcoder stderr so a crash
// can be logged with context.
type scrollback struct {
	mu  sync.Mutex
	buf []string
}

func (s *scrollback) add(line string) {
	s.mu.Lock()
	s.buf = append(s.buf, line)
	if len(s.buf) > scrollbackLines {
		s.buf = s.buf[len(s.buf)-scrollbackLines:]
	}
	s.mu.Unlock()
}

func (s *scrollback) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.buf))
	copy(out, s.buf)
	return out
}

// scanLines copies child stderr to the log, line by line, until the pipe
// closes. Transcoder lines are also kept in the scrollback.
func scanLines(r io.Reader, tag string, sb *scrollback) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 16*1024), 64*1024)
	for sc.Scan() {
		line := sc.Text()
		if sb != nil {
			sb.add(line)
		}
		log.Printf("pipeline: [%s] %s", tag, line)
	}
}
