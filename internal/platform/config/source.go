package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// source resolves keys with precedence explicit map > process env > dotenv file and
// records keys whose values could not be parsed.
type source struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
	invalid  []string
}

func newSource(options loaderOptions) (*source, error) {
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	return &source{explicit: options.envMap, system: options.useSystemEnv, dotenv: dotenv}, nil
}

// EnvironmentValues returns the effective environment map after applying the same precedence
// rules as Load, so callers can build dependencies (the secret fetcher) before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(src.dotenv))
	for k, v := range src.dotenv {
		values[k] = v
	}
	if src.system {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for k, v := range src.explicit {
		values[k] = v
	}
	return values, nil
}

func (s *source) lookup(key string) (string, bool) {
	if value, ok := s.explicit[key]; ok {
		return value, true
	}
	if s.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotenv[key]
	return value, ok
}

func (s *source) raw(key string) (string, bool) {
	value, ok := s.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (s *source) str(key, fallback string) string {
	if value, ok := s.raw(key); ok {
		return value
	}
	return fallback
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	value, ok := s.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		s.invalid = append(s.invalid, key)
		return fallback
	}
	return d
}

func (s *source) integer(key string, fallback int) int {
	value, ok := s.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		s.invalid = append(s.invalid, key)
		return fallback
	}
	return parsed
}

func (s *source) boolean(key string, fallback bool) bool {
	value, ok := s.raw(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	s.invalid = append(s.invalid, key)
	return fallback
}

func (s *source) csv(key string) []string {
	value, ok := s.raw(key)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, strings.Count(value, ",")+1)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// keyValues parses "a=1,b=2" into a map with lower-cased keys.
func (s *source) keyValues(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range s.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			values[name] = value
		}
	}
	return values
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}
