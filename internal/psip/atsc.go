package psip

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// GPS epoch is 1980-01-06 UTC. ATSC start times are GPS seconds; UTC lags GPS
// by the leap seconds accumulated since the epoch, 18 s for the current era.
// Kept in one constant so a table-driven adjustment only touches this file.
const gpsUTCOffsetSeconds = 315964800 - 18

func atscTimeMillis(gpsSeconds uint32) int64 {
	return (int64(gpsSeconds) + gpsUTCOffsetSeconds) * 1000
}

// parseVCT decodes a Virtual Channel Table (A/65, table_id 0xC8/0xC9) and
// records (frequency, source_id) -> virtual channel mappings.
func (p *Parser) parseVCT(frequency string, sec []byte, st *Stats) error {
	// Fixed header: table_id(0), section_length(1-2), transport_stream_id(3-4),
	// version(5), section_number(6), last_section_number(7),
	// protocol_version(8), num_channels_in_section(9).
	const hdrLen = 10
	if len(sec) < hdrLen {
		return fmt.Errorf("vct: short section %d", len(sec))
	}
	body, err := sectionBody(sec, hdrLen)
	if err != nil {
		return fmt.Errorf("vct: %w", err)
	}
	numChannels := int(sec[9])

	pos := 0
	for i := 0; i < numChannels; i++ {
		// Fixed 32-byte channel entry, then per-entry descriptors.
		if pos+32 > len(body) {
			return fmt.Errorf("vct: entry %d truncated", i)
		}
		e := body[pos : pos+32]
		major := int(e[14]&0x0F)<<6 | int(e[15])>>2
		minor := int(e[15]&0x03)<<8 | int(e[16])
		programNumber := binary.BigEndian.Uint16(e[24:26])
		sourceID := binary.BigEndian.Uint16(e[28:30])
		descLen := int(e[30]&0x03)<<8 | int(e[31])
		pos += 32 + descLen

		vchan := strconv.Itoa(major) + "." + strconv.Itoa(minor)
		p.sources.put(frequency, sourceID, p.resolveVchan(frequency, vchan, programNumber))
		st.Channels++
	}
	return nil
}

// resolveVchan maps a VCT announcement onto the configured lineup. Exact
// (frequency, vchannel) wins, then (frequency, program_number), then a global
// vchannel match; an unconfigured channel keeps its announced number so its
// guide rows are still stored.
func (p *Parser) resolveVchan(frequency, vchan string, programNumber uint16) string {
	if ch := p.reg.ByFreqNumber(frequency, vchan); ch != nil {
		return ch.Number
	}
	if ch := p.reg.ByFreqService(frequency, strconv.Itoa(int(programNumber))); ch != nil {
		return ch.Number
	}
	if ch := p.reg.ByNumber(vchan); ch != nil {
		return ch.Number
	}
	return vchan
}

// parseATSCEIT decodes an Event Information Table (A/65, table_id 0xCB) and
// upserts one program row per event.
func (p *Parser) parseATSCEIT(frequency string, sec []byte, st *Stats) error {
	// Fixed header: table_id(0), section_length(1-2), source_id(3-4),
	// version(5), section_number(6), last_section_number(7),
	// protocol_version(8), num_events_in_section(9).
	const hdrLen = 10
	if len(sec) < hdrLen {
		return fmt.Errorf("eit: short section %d", len(sec))
	}
	body, err := sectionBody(sec, hdrLen)
	if err != nil {
		return fmt.Errorf("eit: %w", err)
	}
	sourceID := binary.BigEndian.Uint16(sec[3:5])
	numEvents := int(sec[9])
	channelID := p.channelForSource(frequency, sourceID)

	pos := 0
	for i := 0; i < numEvents; i++ {
		if pos+10 > len(body) {
			return fmt.Errorf("eit: event %d truncated", i)
		}
		e := body[pos:]
		eventID := int(e[0]&0x3F)<<8 | int(e[1])
		startGPS := binary.BigEndian.Uint32(e[2:6])
		// e[6] upper 4 bits are ETM_location + reserved.
		lengthSec := int(e[6]&0x0F)<<16 | int(e[7])<<8 | int(e[8])
		titleLen := int(e[9])
		if 10+titleLen+2 > len(e) {
			return fmt.Errorf("eit: event %d title truncated", i)
		}
		title := decodeMultiString(e[10 : 10+titleLen])
		descLen := int(e[10+titleLen]&0x0F)<<8 | int(e[10+titleLen+1])
		pos += 10 + titleLen + 2 + descLen
		if pos > len(body) {
			return fmt.Errorf("eit: event %d descriptors truncated", i)
		}

		startMS := atscTimeMillis(startGPS)
		if title == "" || startMS <= 0 || lengthSec <= 0 {
			continue
		}
		err := p.sink.UpsertProgram(storeProgram(frequency, channelID, startMS,
			startMS+int64(lengthSec)*1000, title, "", eventID, int(sourceID)))
		if err != nil {
			return fmt.Errorf("eit: upsert event %d: %w", eventID, err)
		}
		st.Events++
	}
	return nil
}

// parseETT decodes an Extended Text Table (A/65, table_id 0xCC) and attaches
// the text to the matching event row. Channel ETMs (event_id 0) are skipped.
func (p *Parser) parseETT(frequency string, sec []byte, st *Stats) error {
	// Fixed part through protocol_version is 9 bytes, then ETM_id (4 bytes),
	// then the message text as a multi-string structure up to the CRC.
	if len(sec) < 13+4 {
		return fmt.Errorf("ett: short section %d", len(sec))
	}
	total := int(uint16(sec[1]&0x0F)<<8|uint16(sec[2])) + 3
	if total > len(sec) {
		return fmt.Errorf("ett: truncated section: have %d want %d", len(sec), total)
	}
	etm := binary.BigEndian.Uint32(sec[9:13])
	sourceID := uint16(etm >> 16)
	eventID := int(etm>>2) & 0x3FFF
	if eventID == 0 {
		return nil
	}
	text := decodeMultiString(sec[13 : total-4])
	if text == "" {
		return nil
	}
	channelID := p.channelForSource(frequency, sourceID)
	if err := p.sink.UpdateDescription(frequency, channelID, eventID, text); err != nil {
		return fmt.Errorf("ett: update event %d: %w", eventID, err)
	}
	st.Descriptions++
	return nil
}

// channelForSource returns the virtual channel mapped by VCT for sourceID, or
// the raw source id as a decimal string when no VCT has been seen yet.
func (p *Parser) channelForSource(frequency string, sourceID uint16) string {
	if v, ok := p.sources.get(frequency, sourceID); ok {
		return v
	}
	return strconv.Itoa(int(sourceID))
}

// decodeMultiString extracts the first string of an ATSC multiple-string
// structure (A/65 §6.10) as cleaned UTF-8. Only the first segment of the
// first string is read; broadcast titles and ETMs use exactly one.
func decodeMultiString(d []byte) string {
	if len(d) < 8 {
		return ""
	}
	if d[0] == 0 { // number_strings
		return ""
	}
	// Per-string header: ISO_639 language (3), number_segments (1), then per
	// segment compression_type (1), mode (1), number_bytes (1).
	n := int(d[7])
	if n == 0 {
		return ""
	}
	if 8+n > len(d) {
		n = len(d) - 8
	}
	return cleanEventText(d[8 : 8+n])
}

// cleanEventText decodes raw title bytes as UTF-8, dropping control
// characters other than TAB and any invalid encoding.
func cleanEventText(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r == utf8.RuneError && size == 1 {
			continue
		}
		if r < 0x20 && r != '\t' {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.TrimSpace(sb.String())
}
