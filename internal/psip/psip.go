// Package psip turns a captured MPEG transport stream into guide rows.
//
// The input is a raw byte buffer from a time-bounded demodulator capture. The
// parser walks 188-byte TS packets, reassembles PSI sections per PID, and
// dispatches by table_id:
//
//   - 0xC8/0xC9  ATSC Virtual Channel Table: populates the source map
//   - 0xCB       ATSC Event Information Table: program rows
//   - 0xCC       ATSC Extended Text Table: program descriptions
//   - 0x4E-0x6F  DVB Event Information Table: program rows
//
// Parsing never touches tuner hardware; it runs on the captured buffer after
// the lease is released.
package psip

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/snapetech/antenna-tuner/internal/channels"
	"github.com/snapetech/antenna-tuner/internal/store"
)

const (
	tsPacketLen = 188

	tableTVCT     = 0xC8 // terrestrial VCT
	tableCVCT     = 0xC9 // cable VCT
	tableATSCEIT  = 0xCB
	tableATSCETT  = 0xCC
	tableDVBEITLo = 0x4E
	tableDVBEITHi = 0x6F
)

// ProgramSink receives decoded guide rows. *store.Store satisfies it.
type ProgramSink interface {
	UpsertProgram(p store.Program) error
	UpdateDescription(frequency, channelID string, eventID int, description string) error
}

// SourceMap maps (frequency, ATSC source_id) to a virtual channel number.
// Populated only from VCT sections; shared across scan cycles so an EIT
// captured before its mux's VCT on a later pass still resolves.
type SourceMap struct {
	mu sync.Mutex
	m  map[string]string
}

func NewSourceMap() *SourceMap {
	return &SourceMap{m: make(map[string]string)}
}

func (s *SourceMap) put(frequency string, sourceID uint16, vchan string) {
	s.mu.Lock()
	s.m[frequency+"/"+strconv.Itoa(int(sourceID))] = vchan
	s.mu.Unlock()
}

func (s *SourceMap) get(frequency string, sourceID uint16) (string, bool) {
	s.mu.Lock()
	v, ok := s.m[frequency+"/"+strconv.Itoa(int(sourceID))]
	s.mu.Unlock()
	return v, ok
}

// Len reports the number of mapped sources.
func (s *SourceMap) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Stats summarises one Parse call.
type Stats struct {
	Packets      int
	BadSync      int // bytes skipped hunting for 0x47
	Sections     int
	Channels     int // VCT entries seen
	Events       int // program rows upserted
	Descriptions int // ETT description updates applied
	ParseErrors  int
	PIDs         map[uint16]int
	Tables       map[byte]int // table_id counts for 0xC7..0xCF and DVB EIT
}

// TopPIDs returns up to n PIDs by packet count, for diagnostics logging.
func (st *Stats) TopPIDs(n int) []uint16 {
	pids := make([]uint16, 0, len(st.PIDs))
	for p := range st.PIDs {
		pids = append(pids, p)
	}
	sort.Slice(pids, func(i, j int) bool {
		if st.PIDs[pids[i]] != st.PIDs[pids[j]] {
			return st.PIDs[pids[i]] > st.PIDs[pids[j]]
		}
		return pids[i] < pids[j]
	})
	if len(pids) > n {
		pids = pids[:n]
	}
	return pids
}

// partialSection is the per-PID reassembly state. Cleared when the section is
// delivered or when a new payload-unit start arrives on the same PID.
type partialSection struct {
	buf         []byte
	totalLength int
}

// Parser decodes captured transport streams for one channel lineup.
// One Parse call handles one capture buffer; the source map persists.
type Parser struct {
	reg     *channels.Registry
	sink    ProgramSink
	sources *SourceMap
}

func New(reg *channels.Registry, sink ProgramSink, sources *SourceMap) *Parser {
	if sources == nil {
		sources = NewSourceMap()
	}
	return &Parser{reg: reg, sink: sink, sources: sources}
}

// Parse walks buf, reassembles sections and writes guide rows for the mux at
// frequency. Per-section failures are counted and skipped; Parse never fails
// as a whole.
func (p *Parser) Parse(frequency string, buf []byte) Stats {
	st := Stats{
		PIDs:   make(map[uint16]int),
		Tables: make(map[byte]int),
	}
	partials := make(map[uint16]*partialSection)

	off := 0
	for off+tsPacketLen <= len(buf) {
		if buf[off] != 0x47 {
			off++
			st.BadSync++
			continue
		}
		pkt := buf[off : off+tsPacketLen]
		off += tsPacketLen
		st.Packets++

		pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
		st.PIDs[pid]++
		if pid == 0x1FFF { // null packets
			continue
		}
		pusi := pkt[1]&0x40 != 0
		payload := packetPayload(pkt)
		if payload == nil {
			continue
		}

		if pusi {
			// A new payload unit abandons any partial section on this PID.
			delete(partials, pid)
			if len(payload) < 1 {
				continue
			}
			ptr := int(payload[0]) + 1
			if ptr >= len(payload) {
				continue
			}
			p.consumeSectionBytes(frequency, pid, payload[ptr:], partials, &st)
		} else if ps, ok := partials[pid]; ok {
			ps.buf = append(ps.buf, payload...)
			if len(ps.buf) >= ps.totalLength {
				sec := ps.buf[:ps.totalLength]
				delete(partials, pid)
				p.dispatchSection(frequency, sec, &st)
			}
		}
	}
	return st
}

// consumeSectionBytes handles section data beginning at a section boundary.
// A single payload may carry several back-to-back sections; 0xFF is stuffing.
func (p *Parser) consumeSectionBytes(frequency string, pid uint16, d []byte, partials map[uint16]*partialSection, st *Stats) {
	for len(d) >= 3 && d[0] != 0xFF {
		total := int(uint16(d[1]&0x0F)<<8|uint16(d[2])) + 3
		if total > len(d) {
			partials[pid] = &partialSection{
				buf:         append([]byte(nil), d...),
				totalLength: total,
			}
			return
		}
		p.dispatchSection(frequency, d[:total], st)
		d = d[total:]
	}
}

func (p *Parser) dispatchSection(frequency string, sec []byte, st *Stats) {
	if len(sec) < 3 {
		return
	}
	st.Sections++
	tid := sec[0]
	if (tid >= 0xC7 && tid <= 0xCF) || (tid >= tableDVBEITLo && tid <= tableDVBEITHi) {
		st.Tables[tid]++
	}

	var err error
	switch {
	case tid == tableTVCT || tid == tableCVCT:
		err = p.parseVCT(frequency, sec, st)
	case tid == tableATSCEIT:
		err = p.parseATSCEIT(frequency, sec, st)
	case tid == tableATSCETT:
		err = p.parseETT(frequency, sec, st)
	case tid >= tableDVBEITLo && tid <= tableDVBEITHi:
		err = p.parseDVBEIT(frequency, sec, st)
	}
	if err != nil {
		st.ParseErrors++
		log.Printf("psip: section parse error freq=%s table=0x%02X: %v", frequency, tid, err)
	}
}

// sectionBody validates the section header against the buffer and returns the
// byte range between the fixed header and the CRC-32.
func sectionBody(sec []byte, hdrLen int) (body []byte, err error) {
	total := int(uint16(sec[1]&0x0F)<<8|uint16(sec[2])) + 3
	if total > len(sec) {
		return nil, fmt.Errorf("truncated section: have %d want %d", len(sec), total)
	}
	if total < hdrLen+4 {
		return nil, fmt.Errorf("section too short: %d", total)
	}
	return sec[hdrLen : total-4], nil
}

func storeProgram(frequency, channelID string, start, end int64, title, description string, eventID, sourceID int) store.Program {
	return store.Program{
		Frequency:   frequency,
		ChannelID:   channelID,
		StartTime:   start,
		EndTime:     end,
		Title:       title,
		Description: description,
		EventID:     eventID,
		SourceID:    sourceID,
	}
}

// packetPayload returns the packet bytes after header and adaptation field,
// or nil when the packet carries no payload.
func packetPayload(pkt []byte) []byte {
	afc := pkt[3] >> 4 & 0x03
	switch afc {
	case 0x01: // payload only
		return pkt[4:]
	case 0x03: // adaptation field followed by payload
		afLen := int(pkt[4])
		start := 5 + afLen
		if start >= len(pkt) {
			return nil
		}
		return pkt[start:]
	default: // no payload (or reserved)
		return nil
	}
}
