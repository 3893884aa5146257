// Package config provides layered configuration for cloudmirror.
//
// Configuration is resolved from three layers, lowest precedence first:
// built-in defaults, an optional YAML config file, and environment
// variables prefixed with CLOUDMIRROR_ (dots become underscores, e.g.
// CLOUDMIRROR_RCLONE_TRANSFERS). Sync source/destination values may be
// further overridden at runtime by ledger key/value entries; that layering
// happens in the scheduler, not here.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved application configuration.
type Config struct {
	Base      Base
	Scheduler Scheduler
	Rclone    Rclone
	Sync      Sync
	Events    Events
	Logging   Logging
}

// Base holds filesystem locations.
type Base struct {
	Dir        string // application base directory
	DBPath     string // ledger database file, relative to Dir unless absolute
	RcloneConf string // rclone config file handed to every invocation
	LogDir     string // per-run rclone log artifacts
}

// Scheduler holds the periodic trigger defaults.
type Scheduler struct {
	IntervalMin int
	JitterSec   int
}

// Rclone holds performance and provider tuning passed to the external tool.
type Rclone struct {
	Transfers         int
	Checkers          int
	TPSLimit          int
	TPSLimitBurst     int
	BWLimit           string
	BufferSize        string
	Retries           int
	RetriesSleep      string
	LowLevelRetries   int
	Timeout           string
	LogLevel          string
	StatsInterval     string
	DriveExport       string // native-document export formats, e.g. "docx,xlsx,pptx"
	DriveChunkSize    string
	DriveUploadCutoff string
	FastList          bool
}

// Sync identifies what gets mirrored where.
type Sync struct {
	SourceRemote string
	SourcePath   string
	DestRemote   string
	DestPath     string
}

// Events controls per-file event persistence.
type Events struct {
	// Lightweight skips collecting and storing individual file events,
	// reducing ledger writes on long runs. Run counters are still kept.
	Lightweight bool
}

// Logging holds application log settings.
type Logging struct {
	Level string
	File  string
}

// DatabasePath returns the ledger path resolved against the base directory.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Base.DBPath) {
		return c.Base.DBPath
	}
	return filepath.Join(c.Base.Dir, c.Base.DBPath)
}

// LogDir returns the rclone log directory resolved against the base directory.
func (c *Config) LogDir() string {
	if filepath.IsAbs(c.Base.LogDir) {
		return c.Base.LogDir
	}
	return filepath.Join(c.Base.Dir, c.Base.LogDir)
}

// RcloneConfPath returns the rclone config file resolved against the base directory.
func (c *Config) RcloneConfPath() string {
	if filepath.IsAbs(c.Base.RcloneConf) {
		return c.Base.RcloneConf
	}
	return filepath.Join(c.Base.Dir, c.Base.RcloneConf)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base.dir", "/srv/cloudmirror")
	v.SetDefault("base.dbpath", "data/cloudmirror.db")
	v.SetDefault("base.rcloneconf", "etc/rclone.conf")
	v.SetDefault("base.logdir", "logs")

	v.SetDefault("scheduler.intervalmin", 5)
	v.SetDefault("scheduler.jittersec", 20)

	v.SetDefault("rclone.transfers", 4)
	v.SetDefault("rclone.checkers", 8)
	v.SetDefault("rclone.tpslimit", 10)
	v.SetDefault("rclone.tpslimitburst", 0)
	v.SetDefault("rclone.bwlimit", "0")
	v.SetDefault("rclone.buffersize", "16Mi")
	v.SetDefault("rclone.retries", 5)
	v.SetDefault("rclone.retriessleep", "10s")
	v.SetDefault("rclone.lowlevelretries", 10)
	v.SetDefault("rclone.timeout", "5m")
	// NOTICE keeps per-file INFO noise out of the log; stats still emit at NOTICE.
	v.SetDefault("rclone.loglevel", "NOTICE")
	v.SetDefault("rclone.statsinterval", "60s")
	v.SetDefault("rclone.driveexport", "docx,xlsx,pptx")
	v.SetDefault("rclone.drivechunksize", "")
	v.SetDefault("rclone.driveuploadcutoff", "")
	// Disabled by default: fast-list has listing caveats on shared drives.
	v.SetDefault("rclone.fastlist", false)

	v.SetDefault("sync.sourceremote", "gdrive")
	v.SetDefault("sync.sourcepath", "")
	v.SetDefault("sync.destremote", "ncwebdav")
	v.SetDefault("sync.destpath", "")

	v.SetDefault("events.lightweight", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// Load resolves configuration from defaults, an optional config file, and
// the environment. A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("cloudmirror")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/cloudmirror")
	v.AddConfigPath("$HOME/.cloudmirror")
	v.AddConfigPath(".")

	v.SetEnvPrefix("cloudmirror")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without consulting files or
// the environment. Used by tests and as a fallback when Load fails early.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always unmarshal cleanly into the struct.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
