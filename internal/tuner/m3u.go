package tuner

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/snapetech/antenna-tuner/internal/channels"
)

// Playlist serves the M3U lineup with url-tvg pointing at our own guide.
// ?f=<container>&c=<codec> on the playlist request is propagated to every
// per-channel stream URL so a client can ask for a transcoded lineup.
type Playlist struct {
	BaseURL  string // "" = derive from the request Host header
	Channels *channels.Registry
}

func (m *Playlist) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	base := m.BaseURL
	if base == "" {
		base = "http://" + r.Host
	}
	base = strings.TrimSuffix(base, "/")

	streamQuery := ""
	q := url.Values{}
	if f := r.URL.Query().Get("f"); f != "" {
		q.Set("f", f)
	}
	if c := r.URL.Query().Get("c"); c != "" {
		q.Set("c", c)
	}
	if len(q) > 0 {
		streamQuery = "?" + q.Encode()
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	var sb strings.Builder
	sb.WriteString("#EXTM3U url-tvg=\"" + base + "/xmltv.xml\"\n")
	for _, c := range m.Channels.All() {
		name := c.Name
		if name == "" {
			name = "Channel " + c.Number
		}
		name = strings.ReplaceAll(name, ",", " ")
		sb.WriteString("#EXTINF:-1 tvg-id=\"" + c.Number + "\" tvg-chno=\"" + c.Number +
			"\" tvg-name=\"" + escapeM3UAttr(name) + "\"")
		if c.IconURL != "" {
			sb.WriteString(" tvg-logo=\"" + escapeM3UAttr(c.IconURL) + "\"")
		}
		sb.WriteString("," + name + "\n")
		sb.WriteString(base + "/stream/" + c.Number + streamQuery + "\n")
	}
	w.Write([]byte(sb.String()))
}

func escapeM3UAttr(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}
