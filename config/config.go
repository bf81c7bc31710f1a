// Package config holds zimi's environment derived configuration.
//
// Everything is read once at startup into an Options value which the rest
// of the program passes around. The auto update lock in particular has to
// be captured at construction time so later mutations of the environment
// can't change who controls updating.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/zimi/zimi/lib/env"
	"github.com/zimi/zimi/zim"
)

// Defaults for the environment settings.
const (
	DefaultZimDir     = "/zims"
	DefaultRateLimit  = 60
	DefaultPort       = 8899
	DefaultUpdateFreq = "weekly"
)

// FreqSeconds maps an update frequency name to its period in seconds.
var FreqSeconds = map[string]int{
	"daily":   86400,
	"weekly":  604800,
	"monthly": 2592000,
}

// Options is the environment configuration.
type Options struct {
	ZimDir         string // ZIM_DIR, directory holding *.zim files
	DataDir        string // ZIMI_DATA_DIR, server state directory
	StaticDir      string // ZIMI_STATIC_DIR, optional vendored UI assets
	ManageEnabled  bool   // ZIMI_MANAGE == "1"
	ManagePassword string // ZIMI_MANAGE_PASSWORD, plaintext
	RateLimit      int    // ZIMI_RATE_LIMIT requests/min/IP, 0 disables

	// AutoUpdateLocked is true when ZIMI_AUTO_UPDATE was present in the
	// environment at startup. While locked the API can't change the
	// auto update settings.
	AutoUpdateLocked  bool
	AutoUpdateEnabled bool   // ZIMI_AUTO_UPDATE == "1", meaningful when locked
	UpdateFreq        string // ZIMI_UPDATE_FREQ: daily, weekly or monthly
}

// FromEnv reads Options from the process environment.
func FromEnv() Options {
	opt := Options{
		ZimDir:         envDefault("ZIM_DIR", DefaultZimDir),
		ManageEnabled:  os.Getenv("ZIMI_MANAGE") == "1",
		ManagePassword: os.Getenv("ZIMI_MANAGE_PASSWORD"),
		StaticDir:      env.ShellExpand(os.Getenv("ZIMI_STATIC_DIR")),
		RateLimit:      DefaultRateLimit,
	}
	opt.ZimDir = env.ShellExpand(opt.ZimDir)
	opt.DataDir = env.ShellExpand(envDefault("ZIMI_DATA_DIR", filepath.Join(opt.ZimDir, ".zimi")))

	if v, ok := os.LookupEnv("ZIMI_RATE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			zim.Errorf(nil, "Invalid ZIMI_RATE_LIMIT %q, using %d", v, DefaultRateLimit)
		} else {
			opt.RateLimit = n
		}
	}

	if v, ok := os.LookupEnv("ZIMI_AUTO_UPDATE"); ok {
		opt.AutoUpdateLocked = true
		opt.AutoUpdateEnabled = v == "1"
	}
	opt.UpdateFreq = envDefault("ZIMI_UPDATE_FREQ", DefaultUpdateFreq)
	if _, ok := FreqSeconds[opt.UpdateFreq]; !ok {
		zim.Errorf(nil, "Invalid ZIMI_UPDATE_FREQ %q, using %s", opt.UpdateFreq, DefaultUpdateFreq)
		opt.UpdateFreq = DefaultUpdateFreq
	}
	return opt
}

// EnsureDataDir creates the data directory and its titles subdirectory.
func (o *Options) EnsureDataDir() error {
	return os.MkdirAll(o.TitleIndexDir(), 0755)
}

// TitleIndexDir returns the directory holding per archive title indexes.
func (o *Options) TitleIndexDir() string {
	return filepath.Join(o.DataDir, "titles")
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
