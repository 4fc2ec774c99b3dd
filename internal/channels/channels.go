// Package channels loads and indexes the channels.conf consumed by the
// demodulator. The file is an INI-like list of broadcast services:
//
//	[WXYZ-HD]
//	SERVICE_ID = 3
//	VCHANNEL = 7.1
//	FREQUENCY = 177000000
//
// Section names may repeat (affiliates carried on several muxes); the virtual
// channel number (VCHANNEL) is the unique key, and it is the tuning key handed
// to the demodulator, never the section name.
package channels

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Channel is one tunable virtual service. Immutable after load.
type Channel struct {
	Number    string // VCHANNEL, e.g. "55.1"; unique; the tuning key
	Name      string // section name; may repeat across channels
	ServiceID string // canonical decimal string (hex in the file is normalised)
	Frequency string // Hz, as a decimal string
	IconURL   string // optional LOGO value
}

// Registry is the immutable channel collection for the lifetime of a run.
type Registry struct {
	channels []Channel

	byNumber      map[string]int
	byFreqService map[string]int // frequency + "/" + serviceID
	byFreqNumber  map[string]int
	frequencies   []string
}

// Load parses a channels.conf file and builds the lookup indices.
func Load(path string) (*Registry, error) {
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("channels: open %s: %w", path, err)
	}
	defer f.Close()

	var (
		out     []Channel
		cur     *Channel
		lineNum int
	)
	flush := func() error {
		if cur == nil {
			return nil
		}
		if cur.Number == "" || cur.Frequency == "" {
			return fmt.Errorf("channels: section %q missing VCHANNEL or FREQUENCY", cur.Name)
		}
		out = append(out, *cur)
		cur = nil
		return nil
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if err := flush(); err != nil {
				return nil, err
			}
			cur = &Channel{Name: strings.TrimSpace(line[1 : len(line)-1])}
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok || cur == nil {
			return nil, fmt.Errorf("channels: %s:%d: unexpected line %q", path, lineNum, line)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "SERVICE_ID":
			id, err := CanonicalServiceID(val)
			if err != nil {
				return nil, fmt.Errorf("channels: %s:%d: %w", path, lineNum, err)
			}
			cur.ServiceID = id
		case "VCHANNEL":
			cur.Number = val
		case "FREQUENCY":
			if _, err := strconv.ParseUint(val, 10, 64); err != nil {
				return nil, fmt.Errorf("channels: %s:%d: bad FREQUENCY %q", path, lineNum, val)
			}
			cur.Frequency = val
		case "LOGO":
			cur.IconURL = val
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("channels: %s: no channels", path)
	}
	return newRegistry(out), nil
}

// NewRegistry builds a registry from an in-memory channel list (tests, parse cmd).
func NewRegistry(chs []Channel) *Registry {
	cp := make([]Channel, len(chs))
	copy(cp, chs)
	return newRegistry(cp)
}

func newRegistry(chs []Channel) *Registry {
	r := &Registry{
		channels:      chs,
		byNumber:      make(map[string]int, len(chs)),
		byFreqService: make(map[string]int, len(chs)),
		byFreqNumber:  make(map[string]int, len(chs)),
	}
	freqSeen := map[string]struct{}{}
	for i, c := range chs {
		if _, dup := r.byNumber[c.Number]; !dup {
			r.byNumber[c.Number] = i
		}
		if c.ServiceID != "" {
			k := c.Frequency + "/" + c.ServiceID
			if _, dup := r.byFreqService[k]; !dup {
				r.byFreqService[k] = i
			}
		}
		k := c.Frequency + "/" + c.Number
		if _, dup := r.byFreqNumber[k]; !dup {
			r.byFreqNumber[k] = i
		}
		freqSeen[c.Frequency] = struct{}{}
	}
	for f := range freqSeen {
		r.frequencies = append(r.frequencies, f)
	}
	sort.Strings(r.frequencies)
	return r
}

// All returns the channels in file order. Callers must not mutate.
func (r *Registry) All() []Channel { return r.channels }

func (r *Registry) Len() int { return len(r.channels) }

// ByNumber resolves a virtual channel number ("55.1"), or nil.
func (r *Registry) ByNumber(num string) *Channel {
	if i, ok := r.byNumber[strings.TrimSpace(num)]; ok {
		return &r.channels[i]
	}
	return nil
}

// ByFreqService resolves (frequency, canonical service id), or nil.
// Used to map ATSC program_number / DVB service_id onto a lineup entry.
func (r *Registry) ByFreqService(freq, serviceID string) *Channel {
	if i, ok := r.byFreqService[freq+"/"+serviceID]; ok {
		return &r.channels[i]
	}
	return nil
}

// ByFreqNumber resolves (frequency, virtual channel number), or nil.
func (r *Registry) ByFreqNumber(freq, num string) *Channel {
	if i, ok := r.byFreqNumber[freq+"/"+num]; ok {
		return &r.channels[i]
	}
	return nil
}

// FirstOnFrequency returns the first lineup entry carried on freq, or nil.
// EPG scans tune by this channel's number to lock the whole mux.
func (r *Registry) FirstOnFrequency(freq string) *Channel {
	for i := range r.channels {
		if r.channels[i].Frequency == freq {
			return &r.channels[i]
		}
	}
	return nil
}

// Frequencies returns the sorted distinct frequency list.
func (r *Registry) Frequencies() []string { return r.frequencies }

// CanonicalServiceID normalises a decimal or 0x-prefixed hex service id to a
// plain decimal string, so store joins are exact string equality.
func CanonicalServiceID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty SERVICE_ID")
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return "", fmt.Errorf("bad SERVICE_ID %q: %w", s, err)
	}
	return strconv.FormatUint(n, 10), nil
}
