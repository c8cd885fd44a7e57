// Package config holds the key/value configuration for a region server.
//
// A Config is built once at process start from defaults, an optional config
// file, and command line flags. After that it is read-only, with one
// exception: the master may hand back overrides during the startup
// handshake, which the server installs with ApplyOverrides before any region
// is opened.
package config

import (
	"bufio"
	"flag"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rangestore-io/rangestore/server/util/log"
	"github.com/rangestore-io/rangestore/server/util/status"
)

var configFile = flag.String("config_file", "", "Path to an optional key=value config file.")

// Recognized keys.
const (
	RootDir            = "hbase.rootdir"
	MaxFileSize        = "hbase.hregion.max.filesize"
	MemcacheFlushSize  = "hbase.hregion.memcache.flush.size"
	MsgInterval        = "hbase.regionserver.msginterval"
	MasterLeasePeriod  = "hbase.master.lease.period"
	LeasePeriod        = "hbase.regionserver.lease.period"
	MaxLogEntries      = "hbase.regionserver.maxlogentries"
	NumRetries         = "hbase.client.retries.number"
	HandlerCount       = "hbase.regionserver.handler.count"
	ThreadWakeFreq     = "hbase.server.thread.wakefrequency"
	SplitCheckFreq     = "hbase.regionserver.thread.splitcompactcheckfrequency"
	CompactionTrigger  = "hbase.hstore.compactionThreshold"
	OptionalFlushCount = "hbase.hregion.memcache.optionalflushcount"
	RegionServerAddr   = "hbase.regionserver"
	MasterAddr         = "hbase.master"
)

var defaults = map[string]string{
	RootDir:            "/tmp/rangestore",
	MaxFileSize:        strconv.Itoa(256 * 1024 * 1024),
	MemcacheFlushSize:  strconv.Itoa(64 * 1024 * 1024),
	MsgInterval:        "3000",
	MasterLeasePeriod:  "30000",
	LeasePeriod:        "180000",
	MaxLogEntries:      "30000",
	NumRetries:         "2",
	HandlerCount:       "10",
	ThreadWakeFreq:     "10000",
	SplitCheckFreq:     "30000",
	CompactionTrigger:  "3",
	OptionalFlushCount: "10",
	RegionServerAddr:   "0.0.0.0:60020",
	MasterAddr:         "0.0.0.0:60000",
}

type Config struct {
	mu     sync.RWMutex
	values map[string]string
}

// New returns a Config holding only the defaults.
func New() *Config {
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Config{values: values}
}

// Load returns a Config built from defaults plus the file named by the
// --config_file flag, if set. File format is one key=value per line; blank
// lines and lines starting with '#' are skipped.
func Load() (*Config, error) {
	c := New()
	if *configFile == "" {
		return c, nil
	}
	f, err := os.Open(*configFile)
	if err != nil {
		return nil, status.UnavailableErrorf("open config file: %s", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, status.InvalidArgumentErrorf("malformed config line %q", line)
		}
		c.values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, status.UnavailableErrorf("read config file: %s", err)
	}
	return c, nil
}

// ApplyOverrides installs the master-provided configuration overrides. It is
// called exactly once, during init, before any region is served.
func (c *Config) ApplyOverrides(overrides map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range overrides {
		log.Debugf("Config from master: %s=%s", k, v)
		c.values[k] = v
	}
}

// Set replaces one value. Only tests should reach for this.
func (c *Config) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Config) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

func (c *Config) Int(key string, fallback int) int {
	if s := c.Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		log.Warningf("Config value %s=%q is not an integer; using %d", key, s, fallback)
	}
	return fallback
}

func (c *Config) Int64(key string, fallback int64) int64 {
	if s := c.Get(key); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		log.Warningf("Config value %s=%q is not an integer; using %d", key, s, fallback)
	}
	return fallback
}

// Millis reads a duration stored as integer milliseconds.
func (c *Config) Millis(key string, fallback time.Duration) time.Duration {
	ms := c.Int64(key, int64(fallback/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
