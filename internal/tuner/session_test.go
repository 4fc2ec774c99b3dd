package tuner

import (
	"strings"
	"testing"
)

func TestNewProfileNormalisation(t *testing.T) {
	cases := []struct {
		name                     string
		container, codec, engine string
		want                     StreamProfile
	}{
		{"all defaults", "", "", "",
			StreamProfile{Container: "ts", Codec: "copy", Engine: "none"}},
		{"alias 264", "", "264", "",
			StreamProfile{Container: "ts", Codec: "h264", Engine: "soft"}},
		{"alias hevc", "mkv", "hevc", "",
			StreamProfile{Container: "mkv", Codec: "h265", Engine: "soft"}},
		{"alias 265", "", "265", "nvenc",
			StreamProfile{Container: "ts", Codec: "h265", Engine: "nvenc"}},
		{"av1 defaults to mkv", "", "av1", "",
			StreamProfile{Container: "mkv", Codec: "av1", Engine: "soft"}},
		{"av1 explicit ts kept", "ts", "av1", "",
			StreamProfile{Container: "ts", Codec: "av1", Engine: "soft"}},
		{"engine dropped for copy", "", "copy", "qsv",
			StreamProfile{Container: "ts", Codec: "copy", Engine: "none"}},
		{"garbage falls back", "avi", "mpeg9", "turbo",
			StreamProfile{Container: "ts", Codec: "copy", Engine: "none"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NewProfile(tc.container, tc.codec, tc.engine, "", "")
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestNewProfileConfiguredDefaults(t *testing.T) {
	got := NewProfile("", "", "", "h264", "soft")
	want := StreamProfile{Container: "ts", Codec: "h264", Engine: "soft"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	// Explicit selectors beat configured defaults.
	got = NewProfile("mp4", "copy", "", "h264", "soft")
	if got.Codec != "copy" || got.Engine != "none" || got.Container != "mp4" {
		t.Fatalf("got %+v", got)
	}
}

func TestContentType(t *testing.T) {
	if ct := (StreamProfile{Container: "ts"}).ContentType(); ct != "video/mp2t" {
		t.Fatalf("ts = %q", ct)
	}
	if ct := (StreamProfile{Container: "mkv"}).ContentType(); ct != "video/x-matroska" {
		t.Fatalf("mkv = %q", ct)
	}
	if ct := (StreamProfile{Container: "mp4"}).ContentType(); ct != "video/mp4" {
		t.Fatalf("mp4 = %q", ct)
	}
}

func TestDemodArgs(t *testing.T) {
	got := strings.Join(DemodArgs("/etc/channels.conf", 1, "55.1"), " ")
	want := "-c /etc/channels.conf -r -a 1 -o - 55.1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	got = strings.Join(CaptureArgs("/etc/channels.conf", 0, "7.1", 30), " ")
	want = "-c /etc/channels.conf -r -a 0 -t 30 -o - 7.1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTranscoderArgsCopy(t *testing.T) {
	args := strings.Join(NewProfile("", "copy", "", "", "").TranscoderArgs(), " ")
	for _, want := range []string{"-c:v copy", "-c:a copy", "-f mpegts", "pipe:1"} {
		if !strings.Contains(args, want) {
			t.Errorf("copy args missing %q: %s", want, args)
		}
	}
	if strings.Contains(args, "aac") {
		t.Errorf("copy profile must not re-encode audio: %s", args)
	}
}

func TestTranscoderArgsSoft(t *testing.T) {
	args := strings.Join(NewProfile("", "h264", "soft", "", "").TranscoderArgs(), " ")
	for _, want := range []string{"libx264", "ultrafast", "zerolatency", "-c:a aac", "-b:a 128k", "-ac 2"} {
		if !strings.Contains(args, want) {
			t.Errorf("soft args missing %q: %s", want, args)
		}
	}
	args = strings.Join(NewProfile("", "h265", "soft", "", "").TranscoderArgs(), " ")
	if !strings.Contains(args, "libx265") {
		t.Errorf("h265 soft args: %s", args)
	}
	args = strings.Join(NewProfile("", "av1", "soft", "", "").TranscoderArgs(), " ")
	if !strings.Contains(args, "libsvtav1") || !strings.Contains(args, "-f matroska") {
		t.Errorf("av1 soft args: %s", args)
	}
}

func TestTranscoderArgsHardware(t *testing.T) {
	args := strings.Join(NewProfile("ts", "h264", "nvenc", "", "").TranscoderArgs(), " ")
	if !strings.Contains(args, "h264_nvenc") {
		t.Errorf("nvenc args: %s", args)
	}
	args = strings.Join(NewProfile("ts", "h265", "qsv", "", "").TranscoderArgs(), " ")
	if !strings.Contains(args, "hevc_qsv") || !strings.Contains(args, "qsv=hw") {
		t.Errorf("qsv args: %s", args)
	}
	args = strings.Join(NewProfile("ts", "h264", "vaapi", "", "").TranscoderArgs(), " ")
	if !strings.Contains(args, "h264_vaapi") || !strings.Contains(args, "/dev/dri/renderD128") {
		t.Errorf("vaapi args: %s", args)
	}
}

func TestTranscoderArgsMP4Fragmented(t *testing.T) {
	args := strings.Join(NewProfile("mp4", "h264", "soft", "", "").TranscoderArgs(), " ")
	if !strings.Contains(args, "frag_keyframe+empty_moov") || !strings.Contains(args, "-f mp4") {
		t.Errorf("mp4 args not streamable: %s", args)
	}
}
