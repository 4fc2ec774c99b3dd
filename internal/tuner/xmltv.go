package tuner

import (
	"encoding/xml"
	"log"
	"net/http"
	"time"

	"github.com/snapetech/antenna-tuner/internal/channels"
	"github.com/snapetech/antenna-tuner/internal/store"
)

const xmltvTimeLayout = "20060102150405 -0700"

// Guide serves the XMLTV document built from the program store. Only
// programs that have not yet ended are emitted.
type Guide struct {
	Channels *channels.Registry
	Store    *store.Store
}

type xmltvDoc struct {
	XMLName    xml.Name         `xml:"tv"`
	Generator  string           `xml:"generator-info-name,attr"`
	Channels   []xmltvChannel   `xml:"channel"`
	Programmes []xmltvProgramme `xml:"programme"`
}

type xmltvChannel struct {
	ID          string     `xml:"id,attr"`
	DisplayName []string   `xml:"display-name"`
	Icon        *xmltvIcon `xml:"icon,omitempty"`
}

type xmltvIcon struct {
	Src string `xml:"src,attr"`
}

type xmltvProgramme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Title   string `xml:"title"`
	Desc    string `xml:"desc,omitempty"`
}

func (g *Guide) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	doc := xmltvDoc{Generator: "antenna-tuner"}
	for _, c := range g.Channels.All() {
		ch := xmltvChannel{ID: c.Number, DisplayName: []string{c.Name, c.Number}}
		if c.IconURL != "" {
			ch.Icon = &xmltvIcon{Src: c.IconURL}
		}
		doc.Channels = append(doc.Channels, ch)
	}

	progs, err := g.Store.SelectWindow(time.Now().UnixMilli(), 0)
	if err != nil {
		log.Printf("xmltv: store query failed: %v", err)
		http.Error(w, "guide unavailable", http.StatusInternalServerError)
		return
	}
	for _, p := range progs {
		doc.Programmes = append(doc.Programmes, xmltvProgramme{
			Start:   time.UnixMilli(p.StartTime).UTC().Format(xmltvTimeLayout),
			Stop:    time.UnixMilli(p.EndTime).UTC().Format(xmltvTimeLayout),
			Channel: p.ChannelID,
			Title:   p.Title,
			Desc:    p.Description,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		http.Error(w, "guide unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	w.Write(out)
	w.Write([]byte("\n"))
}
