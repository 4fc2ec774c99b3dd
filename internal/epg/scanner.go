// Package epg schedules over-the-air guide scans. Each cycle leases a tuner
// per distinct mux frequency, captures a few seconds of transport stream and
// hands the bytes to the PSIP parser.
package epg

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/snapetech/antenna-tuner/internal/channels"
	"github.com/snapetech/antenna-tuner/internal/config"
	"github.com/snapetech/antenna-tuner/internal/pipeline"
	"github.com/snapetech/antenna-tuner/internal/psip"
	"github.com/snapetech/antenna-tuner/internal/store"
	"github.com/snapetech/antenna-tuner/internal/tuner"
)

const (
	// Per-frequency capture windows. The startup deep scan waits long enough
	// to see full EIT cycles; the periodic refresh only needs the head of the
	// carousel.
	deepScanWindow  = 30 * time.Second
	quickScanWindow = 15 * time.Second

	// captureGrace pads the context deadline past the demodulator's own -t
	// so a well-behaved child exits on its own.
	captureGrace = 5 * time.Second

	// interMuxDelay separates retunes; see the settle rationale in tuner.
	interMuxDelay = 2 * time.Second

	// programRetention prunes rows this long after they have ended.
	programRetention = 24 * time.Hour
)

var (
	metricScanCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "antenna_tuner_epg_scan_cycles_total",
		Help: "EPG scan cycles by outcome.",
	}, []string{"outcome"})
	metricScanEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antenna_tuner_epg_events_total",
		Help: "Guide events written by the parser.",
	})
)

// Scanner is the single background scan task. It satisfies tuner.EPGStatus.
type Scanner struct {
	cfg    *config.Config
	reg    *channels.Registry
	arb    *tuner.Arbiter
	st     *store.Store
	parser *psip.Parser

	initialDone atomic.Bool
	scanning    atomic.Bool
	lastScan    atomic.Int64 // unix millis; 0 = never

	rescan chan struct{}
}

func New(cfg *config.Config, reg *channels.Registry, arb *tuner.Arbiter, st *store.Store) *Scanner {
	return &Scanner{
		cfg:    cfg,
		reg:    reg,
		arb:    arb,
		st:     st,
		parser: psip.New(reg, st, psip.NewSourceMap()),
		rescan: make(chan struct{}, 1),
	}
}

// Ready reports whether the initial scan has completed or been skipped.
// Stream requests block on this at startup.
func (s *Scanner) Ready() bool { return s.initialDone.Load() }

func (s *Scanner) Scanning() bool { return s.scanning.Load() }

func (s *Scanner) LastScan() time.Time {
	ms := s.lastScan.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// TriggerRescan queues an out-of-cycle scan. Returns false when one is
// already queued or running.
func (s *Scanner) TriggerRescan() bool {
	if s.scanning.Load() {
		return false
	}
	select {
	case s.rescan <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run is the scan loop. storeExisted skips the startup deep scan: a guide
// database from a previous run is good enough to serve immediately.
func (s *Scanner) Run(ctx context.Context, storeExisted bool) {
	if storeExisted {
		log.Printf("epg: store exists, skipping startup scan")
	} else {
		log.Printf("epg: empty store, running startup deep scan")
		s.scan(ctx, deepScanWindow)
	}
	s.initialDone.Store(true)

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.ScanInterval), func() {
		s.TriggerRescan()
	}); err != nil {
		log.Printf("epg: schedule: %v", err)
		return
	}
	c.Start()
	defer c.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.rescan:
			s.scan(ctx, quickScanWindow)
		}
	}
}

// ScanOnce runs a single scan cycle and returns; the scan subcommand uses it
// without starting the schedule.
func (s *Scanner) ScanOnce(ctx context.Context, deep bool) {
	window := quickScanWindow
	if deep {
		window = deepScanWindow
	}
	s.scan(ctx, window)
	s.initialDone.Store(true)
}

// scan runs one cycle over every distinct frequency. At most one cycle runs
// at a time and a cycle only starts on a fully idle pool; contention is
// resolved by dropping the cycle, the next tick will retry.
func (s *Scanner) scan(ctx context.Context, window time.Duration) {
	if !s.scanning.CompareAndSwap(false, true) {
		metricScanCycles.WithLabelValues("dropped").Inc()
		return
	}
	defer s.scanning.Store(false)

	if !s.arb.AllIdle() {
		log.Printf("epg: tuners busy, skipping scan cycle")
		metricScanCycles.WithLabelValues("skipped").Inc()
		return
	}

	freqs := s.reg.Frequencies()
	log.Printf("epg: scan cycle start muxes=%d window=%s", len(freqs), window)
	start := time.Now()
	for i, freq := range freqs {
		if ctx.Err() != nil {
			metricScanCycles.WithLabelValues("aborted").Inc()
			return
		}
		if err := s.scanFrequency(ctx, freq, window); err != nil {
			log.Printf("epg: scan freq=%s failed: %v", freq, err)
		}
		if i < len(freqs)-1 {
			select {
			case <-ctx.Done():
				metricScanCycles.WithLabelValues("aborted").Inc()
				return
			case <-time.After(interMuxDelay):
			}
		}
	}
	s.lastScan.Store(time.Now().UnixMilli())
	metricScanCycles.WithLabelValues("ok").Inc()

	if n, err := s.st.PruneOlderThan(programRetention); err != nil {
		log.Printf("epg: prune: %v", err)
	} else if n > 0 {
		log.Printf("epg: pruned %d ended programs", n)
	}
	log.Printf("epg: scan cycle done elapsed=%s", time.Since(start).Round(time.Second))
}

// scanFrequency captures one mux and parses the result. The lease is
// released before parsing; decoding never holds hardware.
func (s *Scanner) scanFrequency(ctx context.Context, freq string, window time.Duration) error {
	ch := s.reg.FirstOnFrequency(freq)
	if ch == nil {
		return nil
	}
	lease := s.arb.Acquire(ctx, tuner.KindEPG)
	if lease == nil {
		return fmt.Errorf("no tuner available")
	}
	defer s.arb.Release(lease)

	cctx, cancel := context.WithTimeout(ctx, window+captureGrace)
	defer cancel()
	args := tuner.CaptureArgs(s.cfg.ChannelsConf, lease.AdapterID, ch.Number, int(window.Seconds()))
	buf, err := pipeline.RunCapture(cctx, s.cfg.DemodPath, args, pipeline.DefaultCaptureCap)
	s.arb.Release(lease)
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		log.Printf("epg: freq=%s empty capture", freq)
		return nil
	}

	st := s.parser.Parse(freq, buf)
	metricScanEvents.Add(float64(st.Events))
	log.Printf("epg: freq=%s bytes=%d packets=%d sections=%d channels=%d events=%d descriptions=%d errors=%d",
		freq, len(buf), st.Packets, st.Sections, st.Channels, st.Events, st.Descriptions, st.ParseErrors)
	if s.cfg.VerboseLogging {
		for _, pid := range st.TopPIDs(5) {
			log.Printf("epg: freq=%s pid=0x%04X packets=%d", freq, pid, st.PIDs[pid])
		}
	}
	return nil
}
