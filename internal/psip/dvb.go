package psip

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	descriptorShortEvent    = 0x4D
	descriptorExtendedEvent = 0x4E
)

// parseDVBEIT decodes a DVB Event Information Table section (EN 300 468,
// table_id 0x4E-0x6F) and upserts one program row per event.
func (p *Parser) parseDVBEIT(frequency string, sec []byte, st *Stats) error {
	// Fixed header: table_id(0), section_length(1-2), service_id(3-4),
	// version(5), section_number(6), last_section_number(7),
	// transport_stream_id(8-9), original_network_id(10-11),
	// segment_last_section_number(12), last_table_id(13).
	const hdrLen = 14
	if len(sec) < hdrLen {
		return fmt.Errorf("dvb eit: short section %d", len(sec))
	}
	body, err := sectionBody(sec, hdrLen)
	if err != nil {
		return fmt.Errorf("dvb eit: %w", err)
	}
	serviceID := binary.BigEndian.Uint16(sec[3:5])
	channelID := p.channelForService(frequency, serviceID)

	pos := 0
	for pos+12 <= len(body) {
		e := body[pos:]
		start := parseDVBTime(e[2:7])
		duration := parseDVBDuration(e[7:10])
		descLoopLen := int(e[10]&0x0F)<<8 | int(e[11])
		pos += 12
		if pos+descLoopLen > len(body) {
			return fmt.Errorf("dvb eit: descriptor loop truncated")
		}
		title, description := parseDVBEventDescriptors(body[pos : pos+descLoopLen])
		pos += descLoopLen

		if title == "" || start.IsZero() || duration <= 0 {
			continue
		}
		startMS := start.UnixMilli()
		err := p.sink.UpsertProgram(storeProgram(frequency, channelID, startMS,
			startMS+duration.Milliseconds(), title, description, 0, 0))
		if err != nil {
			return fmt.Errorf("dvb eit: upsert: %w", err)
		}
		st.Events++
	}
	return nil
}

// channelForService maps a DVB service_id onto the lineup by
// (frequency, service id); unknown services keep the raw decimal id.
func (p *Parser) channelForService(frequency string, serviceID uint16) string {
	id := strconv.Itoa(int(serviceID))
	if ch := p.reg.ByFreqService(frequency, id); ch != nil {
		return ch.Number
	}
	return id
}

// parseDVBEventDescriptors walks an event's descriptor loop. The title comes
// from the short-event descriptor; the description prefers extended-event
// text and falls back to the short-event synopsis.
func parseDVBEventDescriptors(d []byte) (title, description string) {
	var shortText, extText string
	pos := 0
	for pos+2 <= len(d) {
		tag := d[pos]
		dLen := int(d[pos+1])
		pos += 2
		if pos+dLen > len(d) {
			break
		}
		body := d[pos : pos+dLen]
		pos += dLen
		switch tag {
		case descriptorShortEvent:
			t, tx := parseShortEvent(body)
			if title == "" {
				title = t
			}
			if shortText == "" {
				shortText = tx
			}
		case descriptorExtendedEvent:
			if t := parseExtendedEvent(body); t != "" {
				if extText != "" {
					extText += " "
				}
				extText += t
			}
		}
	}
	description = extText
	if description == "" {
		description = shortText
	}
	return title, description
}

// parseShortEvent decodes short_event_descriptor (0x4D):
// language(3), event_name_length(1), event_name, text_length(1), text.
func parseShortEvent(d []byte) (name, text string) {
	if len(d) < 5 {
		return "", ""
	}
	nameLen := int(d[3])
	if 4+nameLen > len(d) {
		return "", ""
	}
	name = cleanDVBText(d[4 : 4+nameLen])
	txOff := 4 + nameLen
	if txOff < len(d) {
		txLen := int(d[txOff])
		txOff++
		if txOff+txLen <= len(d) {
			text = cleanDVBText(d[txOff : txOff+txLen])
		}
	}
	return name, text
}

// parseExtendedEvent decodes extended_event_descriptor (0x4E):
// descriptor_number(1), language(3), length_of_items(1), items, text_length(1), text.
// Extended events may span several descriptors; each contributes its text part.
func parseExtendedEvent(d []byte) string {
	if len(d) < 6 {
		return ""
	}
	itemsLen := int(d[4])
	txtOff := 5 + itemsLen
	if txtOff >= len(d) {
		return ""
	}
	txtLen := int(d[txtOff])
	txtOff++
	if txtOff+txtLen > len(d) {
		txtLen = len(d) - txtOff
	}
	return cleanDVBText(d[txtOff : txtOff+txtLen])
}

// cleanDVBText drops the leading character-table byte when present and keeps
// printable ASCII.
func cleanDVBText(b []byte) string {
	if len(b) > 0 && b[0] < 0x20 {
		b = b[1:]
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c >= 0x20 && c <= 0x7E {
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String())
}

// parseDVBTime decodes a 5-byte MJD+BCD timestamp (EN 300 468 Annex C) into a
// UTC time. Returns zero time for the 0xFF "undefined" marker or bad BCD.
func parseDVBTime(b []byte) time.Time {
	if len(b) < 5 {
		return time.Time{}
	}
	if b[0] == 0xFF && b[1] == 0xFF {
		return time.Time{}
	}
	mjd := int(binary.BigEndian.Uint16(b[0:2]))
	yp := int((float64(mjd) - 15078.2) / 365.25)
	mp := int((float64(mjd) - 14956.1 - float64(int(float64(yp)*365.25))) / 30.6001)
	day := mjd - 14956 - int(float64(yp)*365.25) - int(float64(mp)*30.6001)
	k := 0
	if mp == 14 || mp == 15 {
		k = 1
	}
	year := yp + k + 1900
	month := mp - 1 - k*12

	hour := bcdByte(b[2])
	min := bcdByte(b[3])
	sec := bcdByte(b[4])
	if hour > 23 || min > 59 || sec > 59 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}

// parseDVBDuration decodes a 3-byte BCD HHMMSS duration.
func parseDVBDuration(b []byte) time.Duration {
	if len(b) < 3 {
		return 0
	}
	if b[0] == 0xFF {
		return 0
	}
	h := time.Duration(bcdByte(b[0]))
	m := time.Duration(bcdByte(b[1]))
	s := time.Duration(bcdByte(b[2]))
	return h*time.Hour + m*time.Minute + s*time.Second
}

// bcdByte decodes a single BCD byte (0x23 -> 23).
func bcdByte(b byte) int {
	return int((b>>4)*10 + b&0x0F)
}
