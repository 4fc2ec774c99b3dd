package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
)

// DefaultCaptureCap bounds one EPG capture buffer. Guide tables repeat every
// few hundred milliseconds, so 50 MB is far more stream than a scan needs.
const DefaultCaptureCap = 50 * 1024 * 1024

// RunCapture runs a time-bounded demodulator and collects its stdout. The
// child is expected to stop on its own (the -t flag); ctx is the backstop and
// a context kill is treated as a normal end of capture. Exceeding maxBytes
// kills the child and returns what was collected.
func RunCapture(ctx context.Context, path string, args []string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultCaptureCap
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = nil
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: capture stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pipeline: start capture: %w", err)
	}
	go scanLines(stderr, "capture", nil)

	buf := make([]byte, 0, 1<<20)
	chunk := make([]byte, 64*1024)
	capped := false
	for {
		n, readErr := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if int64(len(buf)) >= maxBytes {
				capped = true
				_ = cmd.Process.Kill()
				break
			}
		}
		if readErr != nil {
			break
		}
	}
	// Drain any remainder so Wait does not block on the pipe.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if capped {
		log.Printf("pipeline: capture hit %d byte cap, killed child", maxBytes)
	}

	switch {
	case len(buf) > 0:
		return buf, nil
	case ctx.Err() != nil:
		return nil, nil // deadline with nothing captured; caller logs and moves on
	case waitErr != nil:
		return nil, fmt.Errorf("pipeline: capture: %w", waitErr)
	default:
		return nil, nil
	}
}
