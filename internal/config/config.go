package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds tuner + EPG + transcode settings.
// Load from env and/or a .env file (see LoadEnvFile).
type Config struct {
	// HTTP
	Port    int    // listen port (PORT)
	BaseURL string // e.g. http://192.168.1.10:3000 for playlist stream URLs; "" = derive from Host header

	// Channels
	ChannelsConf string // path to the channels.conf consumed by the demodulator

	// Tuners
	TunerCount        int   // number of physical adapters
	AdapterIDs        []int // explicit adapter ids; nil = 0..TunerCount-1
	PreemptionEnabled bool  // allow live-over-live preemption (ENABLE_PREEMPTION)

	// Transcode defaults; per-request selectors override.
	TranscodeMode  string // "none" | "soft" | "qsv" | "nvenc" | "vaapi"
	TranscodeCodec string // "copy" | "h264" | "h265" | "av1"

	// EPG
	EPGEnabled   bool   // ENABLE_EPG
	EPGDBPath    string // sqlite program store path
	ScanInterval time.Duration

	// Child binaries
	DemodPath  string // azap-compatible demodulator
	FFmpegPath string

	VerboseLogging bool
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load()
// to use a .env file.
func Load() *Config {
	c := &Config{
		Port:              getEnvInt("PORT", 3000),
		BaseURL:           strings.TrimSuffix(os.Getenv("BASE_URL"), "/"),
		ChannelsConf:      getEnv("CHANNELS_CONF", "/etc/channels.conf"),
		TunerCount:        getEnvInt("TUNER_COUNT", 2),
		AdapterIDs:        getEnvIntList("ADAPTER_IDS"),
		PreemptionEnabled: getEnvBool("ENABLE_PREEMPTION", false),
		TranscodeMode:     getEnvTranscodeMode("TRANSCODE_MODE", "none"),
		TranscodeCodec:    getEnvTranscodeCodec("TRANSCODE_CODEC", "copy"),
		EPGEnabled:        getEnvBool("ENABLE_EPG", true),
		EPGDBPath:         getEnv("EPG_DB", "./epg.db"),
		ScanInterval:      getEnvDuration("EPG_SCAN_INTERVAL", 15*time.Minute),
		DemodPath:         getEnv("DEMOD_PATH", "azap"),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		VerboseLogging:    getEnvBool("VERBOSE_LOGGING", false),
	}
	if c.Port <= 0 {
		c.Port = 3000
	}
	if c.TunerCount <= 0 {
		c.TunerCount = 2
	}
	if len(c.AdapterIDs) > 0 {
		c.TunerCount = len(c.AdapterIDs)
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Minute
	}
	return c
}

// Adapters returns the adapter id for each tuner slot.
func (c *Config) Adapters() []int {
	if len(c.AdapterIDs) > 0 {
		return c.AdapterIDs
	}
	out := make([]int, c.TunerCount)
	for i := range out {
		out[i] = i
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvIntList(key string) []int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvTranscodeMode returns one of "none", "soft", "qsv", "nvenc", "vaapi".
func getEnvTranscodeMode(key, defaultVal string) string {
	switch v := strings.TrimSpace(strings.ToLower(os.Getenv(key))); v {
	case "soft", "qsv", "nvenc", "vaapi":
		return v
	case "none", "off", "":
		if v == "" {
			return defaultVal
		}
		return "none"
	default:
		return defaultVal
	}
}

// getEnvTranscodeCodec returns one of "copy", "h264", "h265", "av1".
func getEnvTranscodeCodec(key, defaultVal string) string {
	switch v := strings.TrimSpace(strings.ToLower(os.Getenv(key))); v {
	case "copy", "h264", "h265", "av1":
		return v
	case "264":
		return "h264"
	case "265", "hevc":
		return "h265"
	default:
		return defaultVal
	}
}
