// Package config holds the key/value configuration surface the Stilt
// scheduler is launched with, and the policy for turning it into a
// server.BlacklistConfig.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stiltdev/stilt/scheduler/server"
)

// Configuration keys for the blacklist tracker.
const (
	// Master on/off switch.
	BlacklistEnabledKey = "stilt.blacklist.enabled"

	// Distinct task failures at which an executor is blacklisted.
	BlacklistMaxFailedTasksPerExecutorKey = "stilt.blacklist.application.maxFailedTasksPerExecutor"

	// Currently blacklisted executors at which their node is blacklisted.
	BlacklistMaxFailedExecutorsPerNodeKey = "stilt.blacklist.application.maxFailedExecutorsPerNode"

	// How long a failure record or blacklist entry is retained.
	BlacklistTimeoutKey = "stilt.blacklist.timeout"

	// Pre-1.0 deployments configured blacklisting with this single
	// timeout knob; non-zero meant enabled.
	BlacklistLegacyTimeoutKey = "stilt.scheduler.executorTaskBlacklistTime"
)

const DefaultBlacklistTimeout = "1h"

// Config is a flat KV -> string configuration surface.
type Config struct {
	kv map[string]string
}

func NewConfig() *Config {
	return &Config{kv: make(map[string]string)}
}

func (c *Config) Set(key, value string) {
	c.kv[key] = value
}

func (c *Config) Get(key string) (string, bool) {
	v, ok := c.kv[key]
	return v, ok
}

// ReadProperties loads a key=value properties file into a Config. Blank
// lines and lines starting with '#' are skipped.
func ReadProperties(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening properties file %s", path)
	}
	defer f.Close()

	conf := NewConfig()
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			return nil, errors.Errorf("%s:%d: expected key=value, got %q", path, lineNum, line)
		}
		conf.Set(strings.TrimSpace(line[:eq]), strings.TrimSpace(line[eq+1:]))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading properties file %s", path)
	}
	return conf, nil
}

// IsBlacklistEnabled reports whether failure blacklisting is on. An explicit
// stilt.blacklist.enabled always wins; otherwise the legacy timeout knob
// enables the feature when set to a non-zero value.
func IsBlacklistEnabled(c *Config) (bool, error) {
	if v, ok := c.Get(BlacklistEnabledKey); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return false, errors.Wrapf(err, "parsing %s", BlacklistEnabledKey)
		}
		return enabled, nil
	}
	if v, ok := c.Get(BlacklistLegacyTimeoutKey); ok {
		legacyTimeout, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return false, errors.Wrapf(err, "parsing %s", BlacklistLegacyTimeoutKey)
		}
		if legacyTimeout == 0 {
			log.Warnf("Turning off blacklisting because %s == 0", BlacklistLegacyTimeoutKey)
			return false, nil
		}
		log.Warnf("Enabling blacklisting via deprecated %s; please set %s instead",
			BlacklistLegacyTimeoutKey, BlacklistEnabledKey)
		return true, nil
	}
	return false, nil
}

// GetBlacklistTimeout resolves how long a blacklist entry lives:
// stilt.blacklist.timeout if present, else the legacy knob, else 1h.
func GetBlacklistTimeout(c *Config) (time.Duration, error) {
	raw, key := DefaultBlacklistTimeout, BlacklistTimeoutKey
	if v, ok := c.Get(BlacklistTimeoutKey); ok {
		raw = v
	} else if v, ok := c.Get(BlacklistLegacyTimeoutKey); ok {
		raw, key = v, BlacklistLegacyTimeoutKey
	}
	ms, err := ParseTimeAsMs(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// NewBlacklistConfig builds the tracker configuration from the KV surface,
// applying defaults and validating the result. The scheduler must not start
// with a partially-configured tracker, so any parse or validation failure is
// returned as an error.
func NewBlacklistConfig(c *Config) (server.BlacklistConfig, error) {
	conf := server.BlacklistConfig{
		MaxFailedTasksPerExecutor: server.DefaultMaxFailedTasksPerExecutor,
		MaxFailedExecutorsPerNode: server.DefaultMaxFailedExecutorsPerNode,
	}
	if v, ok := c.Get(BlacklistMaxFailedTasksPerExecutorKey); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return server.BlacklistConfig{}, errors.Wrapf(err, "parsing %s", BlacklistMaxFailedTasksPerExecutorKey)
		}
		conf.MaxFailedTasksPerExecutor = n
	}
	if v, ok := c.Get(BlacklistMaxFailedExecutorsPerNodeKey); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return server.BlacklistConfig{}, errors.Wrapf(err, "parsing %s", BlacklistMaxFailedExecutorsPerNodeKey)
		}
		conf.MaxFailedExecutorsPerNode = n
	}
	timeout, err := GetBlacklistTimeout(c)
	if err != nil {
		return server.BlacklistConfig{}, err
	}
	conf.Timeout = timeout

	if conf.MaxFailedTasksPerExecutor <= 0 {
		return server.BlacklistConfig{}, errors.Errorf("%s must be positive, got %d",
			BlacklistMaxFailedTasksPerExecutorKey, conf.MaxFailedTasksPerExecutor)
	}
	if conf.MaxFailedExecutorsPerNode <= 0 {
		return server.BlacklistConfig{}, errors.Errorf("%s must be positive, got %d",
			BlacklistMaxFailedExecutorsPerNodeKey, conf.MaxFailedExecutorsPerNode)
	}
	if conf.Timeout <= 0 {
		return server.BlacklistConfig{}, errors.Errorf("%s must be positive, got %s",
			BlacklistTimeoutKey, conf.Timeout)
	}
	return conf, nil
}

// ParseTimeAsMs parses a time string into milliseconds. A bare number is
// taken as milliseconds; otherwise an ms/s/m/h/d suffix selects the unit.
func ParseTimeAsMs(s string) (int64, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	unit := int64(1)
	num := trimmed
	switch {
	case strings.HasSuffix(trimmed, "ms"):
		num = trimmed[:len(trimmed)-2]
	case strings.HasSuffix(trimmed, "s"):
		unit, num = 1000, trimmed[:len(trimmed)-1]
	case strings.HasSuffix(trimmed, "m"):
		unit, num = 60*1000, trimmed[:len(trimmed)-1]
	case strings.HasSuffix(trimmed, "h"):
		unit, num = 60*60*1000, trimmed[:len(trimmed)-1]
	case strings.HasSuffix(trimmed, "d"):
		unit, num = 24*60*60*1000, trimmed[:len(trimmed)-1]
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid time string %q", s)
	}
	if n < 0 {
		return 0, errors.Errorf("invalid negative time string %q", s)
	}
	return n * unit, nil
}
