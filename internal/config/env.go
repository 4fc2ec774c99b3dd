package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadEnvFile applies KEY=value lines from path to the process environment.
// A missing file is not an error; a deployment without a .env just runs on
// the real environment. Blank lines and #-comments are skipped, keys and
// values are trimmed, and matching single or double quotes around a value
// are stripped.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		os.Setenv(key, trimQuotes(strings.TrimSpace(val)))
	}
	return sc.Err()
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if c := s[0]; (c == '"' || c == '\'') && s[len(s)-1] == c {
			return s[1 : len(s)-1]
		}
	}
	return s
}
