// Package config resolves the daemon configuration from flags and the
// BEAMCODE_* environment. Flags win over env vars, env vars over defaults;
// nothing outside this package reads the environment after startup.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "beamcode"

// Config is the fully resolved daemon configuration, passed by value into
// the daemon at startup.
type Config struct {
	Host         string
	Port         int
	DataDir      string
	Token        string
	Adapter      string
	NoAutoLaunch bool
	Tunnel       bool

	LogLevel   string
	PrettyLogs bool

	Trace               string // "" | "consumer" | "backend" | "all"
	TraceLevel          string // "summary" | "full"
	TraceAllowSensitive bool
	RuntimeMode         string
	Prometheus          bool

	Limits Limits
}

// Limits bundles the core's operational tunables. Defaults match the
// documented behavior; none are exposed as flags.
type Limits struct {
	MaxSessions int

	HistoryCap int
	ReplayCap  int

	ConsumerHighWater    int   // outbound buffered bytes before close 1009
	MaxInboundFrameBytes int64 // consumer frame limit before close 1009

	RateCapacity          float64
	RateRefillInterval    time.Duration
	RateTokensPerInterval float64

	InitializeTimeout      time.Duration
	KillGracePeriod        time.Duration
	CrashThreshold         time.Duration
	RelaunchDedup          time.Duration
	RelaunchGracePeriod    time.Duration
	ResumeFailureThreshold time.Duration

	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerRecoveryTime     time.Duration
	BreakerSuccessThreshold int
}

func DefaultLimits() Limits {
	return Limits{
		MaxSessions:             32,
		HistoryCap:              10000,
		ReplayCap:               100,
		ConsumerHighWater:       4 * 1024 * 1024,
		MaxInboundFrameBytes:    256 * 1024,
		RateCapacity:            20,
		RateRefillInterval:      time.Second,
		RateTokensPerInterval:   10,
		InitializeTimeout:       20 * time.Second,
		KillGracePeriod:         5 * time.Second,
		CrashThreshold:          5 * time.Second,
		RelaunchDedup:           5 * time.Second,
		RelaunchGracePeriod:     3 * time.Second,
		ResumeFailureThreshold:  5 * time.Second,
		BreakerFailureThreshold: 3,
		BreakerWindow:           time.Minute,
		BreakerRecoveryTime:     30 * time.Second,
		BreakerSuccessThreshold: 1,
	}
}

// SetDefaults registers defaults and env binding on v. The replacer maps
// flag-style keys onto env names, so BEAMCODE_NO_AUTO_LAUNCH resolves the
// "no-auto-launch" key.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 3456)
	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("token", "")
	v.SetDefault("adapter", "claude")
	v.SetDefault("no-auto-launch", false)
	v.SetDefault("tunnel", false)
	v.SetDefault("log-level", "info")
	v.SetDefault("pretty-logs", false)
	v.SetDefault("trace", "")
	v.SetDefault("trace-level", "summary")
	v.SetDefault("trace-allow-sensitive", false)
	v.SetDefault("core-runtime-mode", "")
	v.SetDefault("prometheus", false)
}

// Load materializes a Config from v. SetDefaults must have been called.
func Load(v *viper.Viper) Config {
	return Config{
		Host:                v.GetString("host"),
		Port:                v.GetInt("port"),
		DataDir:             v.GetString("data-dir"),
		Token:               v.GetString("token"),
		Adapter:             v.GetString("adapter"),
		NoAutoLaunch:        v.GetBool("no-auto-launch"),
		Tunnel:              v.GetBool("tunnel"),
		LogLevel:            v.GetString("log-level"),
		PrettyLogs:          v.GetBool("pretty-logs"),
		Trace:               v.GetString("trace"),
		TraceLevel:          v.GetString("trace-level"),
		TraceAllowSensitive: v.GetBool("trace-allow-sensitive"),
		RuntimeMode:         v.GetString("core-runtime-mode"),
		Prometheus:          v.GetBool("prometheus"),
		Limits:              DefaultLimits(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".beamcode"
	}
	return filepath.Join(home, ".beamcode")
}
