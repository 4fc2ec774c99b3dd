package channels

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "channels.conf")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadBasic(t *testing.T) {
	p := writeConf(t, `
# comment
[WXYZ-HD]
SERVICE_ID = 3
VCHANNEL = 7.1
FREQUENCY = 177000000

[WABC]
SERVICE_ID = 0x10
VCHANNEL = 55.1
FREQUENCY = 605000000
LOGO = http://example/abc.png
`)
	r, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	ch := r.ByNumber("7.1")
	if ch == nil || ch.Name != "WXYZ-HD" || ch.ServiceID != "3" || ch.Frequency != "177000000" {
		t.Fatalf("ByNumber(7.1) = %+v", ch)
	}
	// 0x10 normalised to decimal
	ch = r.ByNumber("55.1")
	if ch == nil || ch.ServiceID != "16" {
		t.Fatalf("hex SERVICE_ID not normalised: %+v", ch)
	}
	if ch.IconURL != "http://example/abc.png" {
		t.Fatalf("IconURL = %q", ch.IconURL)
	}
}

func TestLookups(t *testing.T) {
	r := NewRegistry([]Channel{
		{Number: "7.1", Name: "A", ServiceID: "3", Frequency: "177000000"},
		{Number: "7.2", Name: "B", ServiceID: "4", Frequency: "177000000"},
		{Number: "55.1", Name: "C", ServiceID: "3", Frequency: "605000000"},
	})
	if got := r.ByFreqService("177000000", "4"); got == nil || got.Number != "7.2" {
		t.Fatalf("ByFreqService = %+v", got)
	}
	// Same service id on a different mux resolves independently.
	if got := r.ByFreqService("605000000", "3"); got == nil || got.Number != "55.1" {
		t.Fatalf("ByFreqService cross-mux = %+v", got)
	}
	if got := r.ByFreqNumber("177000000", "7.1"); got == nil || got.Name != "A" {
		t.Fatalf("ByFreqNumber = %+v", got)
	}
	if got := r.ByFreqNumber("605000000", "7.1"); got != nil {
		t.Fatalf("ByFreqNumber wrong mux = %+v", got)
	}
	if got := r.FirstOnFrequency("177000000"); got == nil || got.Number != "7.1" {
		t.Fatalf("FirstOnFrequency = %+v", got)
	}
	freqs := r.Frequencies()
	if len(freqs) != 2 || freqs[0] != "177000000" || freqs[1] != "605000000" {
		t.Fatalf("Frequencies = %v", freqs)
	}
	if r.ByNumber("99.9") != nil {
		t.Fatal("unknown number should be nil")
	}
}

func TestDuplicateNames(t *testing.T) {
	p := writeConf(t, `
[PBS]
SERVICE_ID = 1
VCHANNEL = 8.1
FREQUENCY = 183000000
[PBS]
SERVICE_ID = 2
VCHANNEL = 8.2
FREQUENCY = 183000000
`)
	r, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("duplicate section names must both load, got %d", r.Len())
	}
	if r.ByNumber("8.2") == nil {
		t.Fatal("second PBS entry missing")
	}
}

func TestLoadErrors(t *testing.T) {
	for name, body := range map[string]string{
		"missing vchannel": "[X]\nSERVICE_ID=1\nFREQUENCY=177000000\n",
		"bad frequency":    "[X]\nVCHANNEL=1.1\nFREQUENCY=abc\n",
		"bad service id":   "[X]\nVCHANNEL=1.1\nSERVICE_ID=zz\nFREQUENCY=177000000\n",
		"orphan line":      "VCHANNEL=1.1\n",
		"empty file":       "# nothing\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConf(t, body)); err == nil {
				t.Fatalf("want error for %q", name)
			}
		})
	}
}

func TestCanonicalServiceID(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "3", want: "3"},
		{in: "0x10", want: "16"},
		{in: " 42 ", want: "42"},
		{in: "0X2A", want: "42"},
		{in: "", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "nope", wantErr: true},
	}
	for _, tc := range cases {
		got, err := CanonicalServiceID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("CanonicalServiceID(%q): want error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("CanonicalServiceID(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
