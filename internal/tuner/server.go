package tuner

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/snapetech/antenna-tuner/internal/channels"
	"github.com/snapetech/antenna-tuner/internal/config"
	"github.com/snapetech/antenna-tuner/internal/store"
)

// maxConns caps concurrent connections at the listener. Streams hold their
// connection for hours; this keeps a misbehaving client from exhausting fds.
const maxConns = 128

// Server wires the HTTP surface: streams, documents, JSON API, health and
// metrics.
type Server struct {
	Cfg      *config.Config
	Gateway  *Gateway
	Channels *channels.Registry
	Store    *store.Store
	EPG      EPGStatus // may be nil
}

func (s *Server) Routes() http.Handler {
	playlist := &Playlist{BaseURL: s.Cfg.BaseURL, Channels: s.Channels}
	guide := &Guide{Channels: s.Channels, Store: s.Store}
	api := &API{Channels: s.Channels, Store: s.Store, Arbiter: s.Gateway.Arbiter(), EPG: s.EPG}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Documents and API compress well; streams must never be wrapped.
	r.Group(func(r chi.Router) {
		r.Use(brotliDocuments)
		r.Get("/playlist.m3u", playlist.ServeHTTP)
		r.Get("/lineup.m3u", playlist.ServeHTTP)
		r.Get("/xmltv.xml", guide.ServeHTTP)
		r.Get("/api/now-playing", api.HandleNowPlaying)
		r.Get("/api/guide", api.HandleGuide)
		r.Get("/api/status", api.HandleStatus)
		r.Post("/api/scan", api.HandleScan)
	})

	r.Get("/stream/{num}", s.Gateway.HandleStream)
	r.Get("/stream/{num}/{format}", s.Gateway.HandleStream)
	r.Get("/stream/{num}/{format}/{codec}", s.Gateway.HandleStream)
	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// active sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.Cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tuner: listen %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConns)

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: stream responses are open-ended.
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("tuner: shutdown: %v", err)
		}
	}()

	log.Printf("tuner: listening addr=%s channels=%d tuners=%d", addr, s.Channels.Len(), s.Cfg.TunerCount)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// brotliDocuments compresses document responses for clients that accept it.
type brotliResponseWriter struct {
	http.ResponseWriter
	bw          *brotli.Writer
	wroteHeader bool
}

func (w *brotliResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.Header().Set("Content-Encoding", "br")
		w.Header().Del("Content-Length")
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *brotliResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.bw.Write(p)
}

func brotliDocuments(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			next.ServeHTTP(w, r)
			return
		}
		bw := brotli.NewWriterLevel(w, brotli.BestSpeed)
		defer bw.Close()
		next.ServeHTTP(&brotliResponseWriter{ResponseWriter: w, bw: bw}, r)
	})
}
