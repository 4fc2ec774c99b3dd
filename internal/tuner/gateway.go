package tuner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snapetech/antenna-tuner/internal/channels"
	"github.com/snapetech/antenna-tuner/internal/config"
	"github.com/snapetech/antenna-tuner/internal/pipeline"
)

// readinessPoll paces stream requests waiting for the initial EPG scan.
const readinessPoll = 2 * time.Second

// Gateway serves live streams by composing the arbiter, the channel registry
// and the child-process pipeline.
type Gateway struct {
	cfg *config.Config
	reg *channels.Registry
	arb *Arbiter

	// ready gates streaming on the initial EPG scan; nil means always ready.
	ready func() bool

	// Watchdog pacing; tests shorten these.
	watchdogEvery time.Duration
	stallAfter    time.Duration

	reqSeq atomic.Uint64
}

func NewGateway(cfg *config.Config, reg *channels.Registry, arb *Arbiter, ready func() bool) *Gateway {
	return &Gateway{
		cfg: cfg, reg: reg, arb: arb, ready: ready,
		watchdogEvery: watchdogInterval,
		stallAfter:    stallTimeout,
	}
}

// Arbiter exposes the pool for the status API and the EPG orchestrator.
func (g *Gateway) Arbiter() *Arbiter { return g.arb }

// HandleStream serves GET /stream/{num} with optional {format}/{codec} path
// segments and f/c/e query selectors.
func (g *Gateway) HandleStream(w http.ResponseWriter, r *http.Request) {
	reqID := fmt.Sprintf("r%06d", g.reqSeq.Add(1))
	num := chi.URLParam(r, "num")

	ch := g.reg.ByNumber(num)
	if ch == nil {
		log.Printf("tuner: %s channel not found num=%q", reqID, num)
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	profile := g.profileFromRequest(r)
	log.Printf("tuner: %s stream request channel=%s name=%q container=%s codec=%s engine=%s remote=%s",
		reqID, ch.Number, ch.Name, profile.Container, profile.Codec, profile.Engine, r.RemoteAddr)

	if !g.waitReady(r.Context()) {
		return // client gave up while the initial scan was running
	}

	lease := g.arb.Acquire(r.Context(), KindLive)
	if lease == nil {
		log.Printf("tuner: %s no tuner available", reqID)
		http.Error(w, "all tuners in use", http.StatusServiceUnavailable)
		return
	}
	log.Printf("tuner: %s leased tuner=%d adapter=%d", reqID, lease.TunerID, lease.AdapterID)

	// Settle before retuning; see settleDelay.
	select {
	case <-r.Context().Done():
		g.arb.Release(lease)
		return
	case <-time.After(settleDelay):
	}

	pair, err := pipeline.SpawnPair(reqID,
		g.cfg.DemodPath, DemodArgs(g.cfg.ChannelsConf, lease.AdapterID, ch.Number),
		g.cfg.FFmpegPath, profile.TranscoderArgs())
	if err != nil {
		g.arb.Release(lease)
		log.Printf("tuner: %s spawn failed: %v", reqID, err)
		http.Error(w, "tuner error", http.StatusInternalServerError)
		metricStreamSessions.WithLabelValues("spawn-error").Inc()
		return
	}

	end := &terminator{pair: pair}
	g.arb.SetCancel(lease, func() { end.fire("preempted") })

	stopWatchdog := make(chan struct{})
	go g.runWatchdog(pair, end, stopWatchdog)

	// Headers go out only now: every pre-spawn failure still had a 5xx open.
	w.Header().Set("Content-Type", profile.ContentType())
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	written := g.copyToClient(reqID, w, pair, end)
	close(stopWatchdog)
	end.fire("client-closed")

	<-pair.Done()
	g.arb.Release(lease)
	reason := end.why()
	metricStreamSessions.WithLabelValues(reason).Inc()
	log.Printf("tuner: %s session ended reason=%s bytes=%d tuner=%d", reqID, reason, written, lease.TunerID)
}

// copyToClient pumps transcoder output to the client until either side ends,
// flushing per chunk so players start quickly.
func (g *Gateway) copyToClient(reqID string, w http.ResponseWriter, pair *pipeline.Pair, end *terminator) int64 {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	var written int64
	buf := make([]byte, 64*1024)
	for {
		n, readErr := pair.Output().Read(buf)
		if n > 0 {
			wn, writeErr := fw.Write(buf[:n])
			written += int64(wn)
			metricStreamBytes.Add(float64(wn))
			if writeErr != nil {
				if isClientDisconnectWriteError(writeErr) {
					end.fire("client-closed")
				} else {
					log.Printf("tuner: %s client write error: %v", reqID, writeErr)
					for _, line := range pair.Scrollback() {
						log.Printf("tuner: %s transcoder: %s", reqID, line)
					}
					end.fire("write-error")
				}
				return written
			}
		}
		if readErr != nil {
			// Transcoder stdout closed. If that was not our own teardown,
			// the child died; keep its last words in the log.
			if end.why() == "" {
				for _, line := range pair.Scrollback() {
					log.Printf("tuner: %s transcoder: %s", reqID, line)
				}
				end.fire("transcoder-exit")
			}
			return written
		}
	}
}

func (g *Gateway) runWatchdog(pair *pipeline.Pair, end *terminator, stop <-chan struct{}) {
	t := time.NewTicker(g.watchdogEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-pair.Done():
			return
		case <-t.C:
			if time.Since(pair.LastOutput()) > g.stallAfter {
				end.fire("stalled")
				return
			}
		}
	}
}

func (g *Gateway) profileFromRequest(r *http.Request) StreamProfile {
	q := r.URL.Query()
	container := chi.URLParam(r, "format")
	if v := q.Get("f"); v != "" {
		container = v
	}
	codec := chi.URLParam(r, "codec")
	if v := q.Get("c"); v != "" {
		codec = v
	}
	return NewProfile(container, codec, q.Get("e"), g.cfg.TranscodeCodec, g.cfg.TranscodeMode)
}

// waitReady blocks until the initial EPG scan has completed or been skipped.
func (g *Gateway) waitReady(ctx context.Context) bool {
	if g.ready == nil {
		return true
	}
	for !g.ready() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readinessPoll):
		}
	}
	return true
}

// terminator is the single teardown sink for one session. The first caller
// wins and records the reason; later calls are no-ops.
type terminator struct {
	pair   *pipeline.Pair
	once   sync.Once
	mu     sync.Mutex
	reason string
}

func (t *terminator) fire(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		t.pair.Teardown()
	})
}

func (t *terminator) why() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// flushWriter flushes after every write so bytes reach the player without
// buffering delay.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil && n > 0 {
		fw.f.Flush()
	}
	return n, err
}

// isClientDisconnectWriteError reports whether a write failure just means the
// player hung up. These are the normal end of every session and are not
// logged as errors.
func isClientDisconnectWriteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}
