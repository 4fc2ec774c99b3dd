// Command antenna-tuner: broadcast tuner gateway (run), one-off EPG scan
// (scan), or offline capture parsing (parse).
//
//	run    Serve streams, playlist, XMLTV and the JSON API. For systemd.
//	scan   Run one EPG scan cycle against the configured tuners and exit.
//	parse  Feed a captured .ts file through the guide parser into the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/snapetech/antenna-tuner/internal/channels"
	"github.com/snapetech/antenna-tuner/internal/config"
	"github.com/snapetech/antenna-tuner/internal/epg"
	"github.com/snapetech/antenna-tuner/internal/psip"
	"github.com/snapetech/antenna-tuner/internal/store"
	"github.com/snapetech/antenna-tuner/internal/tuner"
)

func main() {
	log.SetPrefix("[antenna-tuner] ")
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Printf("main: .env: %v", err)
	}

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runPort := runCmd.Int("port", 0, "listen port (overrides PORT)")

	scanCmd := flag.NewFlagSet("scan", flag.ExitOnError)
	scanDeep := scanCmd.Bool("deep", false, "use the long per-mux capture window")

	parseCmd := flag.NewFlagSet("parse", flag.ExitOnError)
	parseFreq := parseCmd.String("freq", "", "mux frequency in Hz the capture was taken on (required)")

	if len(os.Args) < 2 {
		runServer(runCmd, nil, runPort)
		return
	}
	switch os.Args[1] {
	case "run":
		runServer(runCmd, os.Args[2:], runPort)
	case "scan":
		_ = scanCmd.Parse(os.Args[2:])
		runScan(*scanDeep)
	case "parse":
		_ = parseCmd.Parse(os.Args[2:])
		runParse(*parseFreq, parseCmd.Arg(0))
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s <run|scan|parse> [flags]\n", os.Args[0])
		os.Exit(2)
	}
}

func runServer(fs *flag.FlagSet, args []string, portOverride *int) {
	_ = fs.Parse(args)
	cfg := config.Load()
	if *portOverride != 0 {
		cfg.Port = *portOverride
	}

	reg, err := channels.Load(cfg.ChannelsConf)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	log.Printf("main: loaded channels=%d muxes=%d from %s", reg.Len(), len(reg.Frequencies()), cfg.ChannelsConf)

	// Stat before Open: Open creates the file, and a pre-existing store is
	// what lets us skip the startup deep scan.
	storeExisted := false
	if _, err := os.Stat(cfg.EPGDBPath); err == nil {
		storeExisted = true
	}
	st, err := store.Open(cfg.EPGDBPath)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arb := tuner.NewArbiter(cfg.Adapters(), cfg.PreemptionEnabled)

	var (
		epgStatus tuner.EPGStatus
		ready     func() bool
	)
	if cfg.EPGEnabled {
		scanner := epg.New(cfg, reg, arb, st)
		go scanner.Run(ctx, storeExisted)
		epgStatus = scanner
		ready = scanner.Ready
	} else {
		log.Printf("main: epg disabled")
	}

	srv := &tuner.Server{
		Cfg:      cfg,
		Gateway:  tuner.NewGateway(cfg, reg, arb, ready),
		Channels: reg,
		Store:    st,
		EPG:      epgStatus,
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("main: %v", err)
	}
	log.Printf("main: shutdown complete")
}

func runScan(deep bool) {
	cfg := config.Load()
	reg, err := channels.Load(cfg.ChannelsConf)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	st, err := store.Open(cfg.EPGDBPath)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arb := tuner.NewArbiter(cfg.Adapters(), cfg.PreemptionEnabled)
	epg.New(cfg, reg, arb, st).ScanOnce(ctx, deep)

	n, _ := st.Count()
	log.Printf("main: scan finished, %d programs stored in %s", n, cfg.EPGDBPath)
}

func runParse(freq, path string) {
	if freq == "" || path == "" {
		fmt.Fprintln(os.Stderr, "Usage: antenna-tuner parse -freq <Hz> <capture.ts>")
		os.Exit(2)
	}
	cfg := config.Load()
	reg, err := channels.Load(cfg.ChannelsConf)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	st, err := store.Open(cfg.EPGDBPath)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	defer st.Close()

	buf, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("main: %v", err)
	}
	stats := psip.New(reg, st, psip.NewSourceMap()).Parse(freq, buf)
	log.Printf("main: parsed %s: packets=%d sections=%d channels=%d events=%d descriptions=%d errors=%d",
		path, stats.Packets, stats.Sections, stats.Channels, stats.Events, stats.Descriptions, stats.ParseErrors)
	for _, pid := range stats.TopPIDs(8) {
		log.Printf("main: pid=0x%04X packets=%d", pid, stats.PIDs[pid])
	}
	n, _ := st.Count()
	log.Printf("main: store now holds %d programs", n)
}
