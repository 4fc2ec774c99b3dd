package tuner

import (
	"strconv"
	"strings"
	"time"
)

const (
	// settleDelay sits between lease acquisition and the demodulator spawn.
	// Some USB receivers brown out a hub-paired tuner on an immediate retune.
	settleDelay = 1 * time.Second

	// The stall watchdog ticks every watchdogInterval and tears the session
	// down when no output byte has moved for stallTimeout.
	watchdogInterval = 5 * time.Second
	stallTimeout     = 30 * time.Second
)

// StreamProfile is the normalised container/codec/engine selection for one
// stream request.
type StreamProfile struct {
	Container string // ts | mkv | mp4
	Codec     string // copy | h264 | h265 | av1
	Engine    string // none | soft | qsv | nvenc | vaapi
}

// NewProfile normalises raw selector strings against the configured defaults.
// Rules: codec aliases collapse (264, 265, hevc); av1 with no explicit
// container defaults to mkv because av1-in-mpegts support is poor in players;
// a non-copy codec with engine none upgrades to software encoding.
func NewProfile(container, codec, engine, defaultCodec, defaultEngine string) StreamProfile {
	p := StreamProfile{
		Container: normalizeContainer(container),
		Codec:     normalizeCodec(codec, defaultCodec),
		Engine:    normalizeEngine(engine, defaultEngine),
	}
	if p.Container == "" {
		if p.Codec == "av1" {
			p.Container = "mkv"
		} else {
			p.Container = "ts"
		}
	}
	if p.Codec != "copy" && p.Engine == "none" {
		p.Engine = "soft"
	}
	if p.Codec == "copy" {
		p.Engine = "none"
	}
	return p
}

func normalizeContainer(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ts", "mpegts":
		return "ts"
	case "mkv", "matroska":
		return "mkv"
	case "mp4":
		return "mp4"
	default:
		return ""
	}
}

func normalizeCodec(s, def string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "copy", "h264", "h265", "av1":
		return strings.ToLower(strings.TrimSpace(s))
	case "264":
		return "h264"
	case "265", "hevc":
		return "h265"
	default:
		if def != "" {
			return def
		}
		return "copy"
	}
}

func normalizeEngine(s, def string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "soft", "qsv", "nvenc", "vaapi":
		return strings.ToLower(strings.TrimSpace(s))
	default:
		if def != "" {
			return def
		}
		return "none"
	}
}

// ContentType maps the container to the response media type.
func (p StreamProfile) ContentType() string {
	switch p.Container {
	case "mkv":
		return "video/x-matroska"
	case "mp4":
		return "video/mp4"
	default:
		return "video/mp2t"
	}
}

// DemodArgs builds the demodulator command line for a live tune.
func DemodArgs(confPath string, adapterID int, channelNumber string) []string {
	return []string{
		"-c", confPath,
		"-r",
		"-a", strconv.Itoa(adapterID),
		"-o", "-",
		channelNumber,
	}
}

// CaptureArgs builds a time-bounded demodulator command line for EPG scans.
func CaptureArgs(confPath string, adapterID int, channelNumber string, seconds int) []string {
	return []string{
		"-c", confPath,
		"-r",
		"-a", strconv.Itoa(adapterID),
		"-t", strconv.Itoa(seconds),
		"-o", "-",
		channelNumber,
	}
}

// TranscoderArgs builds the ffmpeg command line: MPEG-TS on stdin, the
// selected container on stdout.
func (p StreamProfile) TranscoderArgs() []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "+genpts+discardcorrupt",
		"-i", "pipe:0",
		"-map", "0:v:0", "-map", "0:a:0?",
		"-sn", "-dn",
	}
	args = append(args, p.videoArgs()...)
	if p.Codec == "copy" {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", "aac", "-profile:a", "aac_low",
			"-ac", "2", "-ar", "48000", "-b:a", "128k")
	}
	args = append(args, p.containerArgs()...)
	return append(args, "pipe:1")
}

func (p StreamProfile) videoArgs() []string {
	if p.Codec == "copy" {
		return []string{"-c:v", "copy"}
	}
	switch p.Engine {
	case "nvenc":
		return append([]string{"-c:v", nvencCodec(p.Codec)},
			"-preset", "p1", "-tune", "ll", "-rc", "vbr")
	case "qsv":
		return append([]string{"-init_hw_device", "qsv=hw", "-filter_hw_device", "hw",
			"-vf", "hwupload=extra_hw_frames=64,format=qsv",
			"-c:v", qsvCodec(p.Codec)}, "-preset", "veryfast")
	case "vaapi":
		return []string{"-vaapi_device", "/dev/dri/renderD128",
			"-vf", "format=nv12,hwupload",
			"-c:v", vaapiCodec(p.Codec)}
	default: // soft
		switch p.Codec {
		case "h265":
			return []string{"-c:v", "libx265", "-preset", "ultrafast", "-tune", "zerolatency"}
		case "av1":
			return []string{"-c:v", "libsvtav1", "-preset", "12"}
		default:
			return []string{"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency"}
		}
	}
}

func (p StreamProfile) containerArgs() []string {
	switch p.Container {
	case "mkv":
		return []string{"-f", "matroska"}
	case "mp4":
		// Fragmented so the output is streamable without a seekable sink.
		return []string{"-movflags", "frag_keyframe+empty_moov+default_base_moof", "-f", "mp4"}
	default:
		return []string{"-f", "mpegts"}
	}
}

func nvencCodec(codec string) string {
	switch codec {
	case "h265":
		return "hevc_nvenc"
	case "av1":
		return "av1_nvenc"
	default:
		return "h264_nvenc"
	}
}

func qsvCodec(codec string) string {
	switch codec {
	case "h265":
		return "hevc_qsv"
	case "av1":
		return "av1_qsv"
	default:
		return "h264_qsv"
	}
}

func vaapiCodec(codec string) string {
	switch codec {
	case "h265":
		return "hevc_vaapi"
	case "av1":
		return "av1_vaapi"
	default:
		return "h264_vaapi"
	}
}
