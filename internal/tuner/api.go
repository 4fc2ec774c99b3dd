package tuner

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/snapetech/antenna-tuner/internal/channels"
	"github.com/snapetech/antenna-tuner/internal/store"
)

// EPGStatus is what the API needs to know about the scan orchestrator.
// Implemented by the epg scanner; nil when EPG is disabled.
type EPGStatus interface {
	Ready() bool
	Scanning() bool
	LastScan() time.Time
	TriggerRescan() bool
}

// API serves the JSON endpoints.
type API struct {
	Channels *channels.Registry
	Store    *store.Store
	Arbiter  *Arbiter
	EPG      EPGStatus // may be nil
}

type nowPlayingEntry struct {
	Channel     string `json:"channel"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
}

func (a *API) HandleNowPlaying(w http.ResponseWriter, r *http.Request) {
	active, err := a.Store.SelectActive(time.Now().UnixMilli())
	if err != nil {
		log.Printf("api: now-playing query failed: %v", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	out := make([]nowPlayingEntry, 0, len(a.Channels.All()))
	for _, c := range a.Channels.All() {
		p, ok := active[c.Number]
		if !ok {
			continue
		}
		out = append(out, nowPlayingEntry{
			Channel:     c.Number,
			Name:        c.Name,
			Title:       p.Title,
			Description: p.Description,
			Start:       p.StartTime,
			End:         p.EndTime,
		})
	}
	writeJSON(w, out)
}

func (a *API) HandleGuide(w http.ResponseWriter, r *http.Request) {
	progs, err := a.Store.SelectWindow(time.Now().UnixMilli(), 0)
	if err != nil {
		log.Printf("api: guide query failed: %v", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	type guideEntry struct {
		Channel     string `json:"channel"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Start       int64  `json:"start"`
		End         int64  `json:"end"`
	}
	out := make([]guideEntry, 0, len(progs))
	for _, p := range progs {
		out = append(out, guideEntry{
			Channel:     p.ChannelID,
			Title:       p.Title,
			Description: p.Description,
			Start:       p.StartTime,
			End:         p.EndTime,
		})
	}
	writeJSON(w, out)
}

func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	type epgStatus struct {
		Enabled  bool      `json:"enabled"`
		Ready    bool      `json:"ready"`
		Scanning bool      `json:"scanning"`
		LastScan time.Time `json:"last_scan,omitzero"`
		Programs int       `json:"programs"`
	}
	status := struct {
		Channels int           `json:"channels"`
		Tuners   []TunerStatus `json:"tuners"`
		EPG      epgStatus     `json:"epg"`
	}{
		Channels: a.Channels.Len(),
		Tuners:   a.Arbiter.Snapshot(),
	}
	if a.EPG != nil {
		n, _ := a.Store.Count()
		status.EPG = epgStatus{
			Enabled:  true,
			Ready:    a.EPG.Ready(),
			Scanning: a.EPG.Scanning(),
			LastScan: a.EPG.LastScan(),
			Programs: n,
		}
	}
	writeJSON(w, status)
}

// HandleScan triggers an out-of-cycle EPG rescan.
func (a *API) HandleScan(w http.ResponseWriter, r *http.Request) {
	if a.EPG == nil {
		http.Error(w, "epg disabled", http.StatusConflict)
		return
	}
	if a.EPG.TriggerRescan() {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"status": "scan requested"})
		return
	}
	writeJSON(w, map[string]string{"status": "scan already pending"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
