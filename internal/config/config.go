// Package config provides configuration management for vodarr using Viper.
// It supports JSON configuration files, named profiles, environment
// variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/vodarr/internal/media"
)

// Default configuration values.
const (
	defaultDataDir        = "./data"
	defaultWallTimeout    = "4h"
	defaultStallTimeout   = "60s"
	defaultTerminateGrace = "5s"
	defaultProbeTimeout   = "10s"
	defaultWatchDebounce  = "2s"
	defaultAuditQueueSize = 1024
	defaultAPIPort        = 8790
	defaultMaxOpenConns   = 25
	defaultMaxIdleConns   = 10
	defaultCRF            = 23

	defaultRenamePattern     = `^(\d+-\d+).*\.mp4$`
	defaultValidationPattern = `^\d+-\d+\.mp4$`
	defaultOrganizePattern   = `^(\d+)-\d+`
)

// Config holds all configuration for the application. Field names mirror
// the JSON configuration file keys.
type Config struct {
	// MediaRoot is an optional base directory. When set, input_folder and
	// output_folder default to <media_root>/input and <media_root>/output.
	MediaRoot    string `mapstructure:"media_root"`
	InputFolder  string `mapstructure:"input_folder"`
	OutputFolder string `mapstructure:"output_folder"`
	DataDir      string `mapstructure:"data_dir"`
	ProfilesDir  string `mapstructure:"profiles_dir"`
	LogDir       string `mapstructure:"log_dir"`

	// MaxParallelJobs bounds concurrent transcodes. 0 selects the
	// automatic default of three quarters of the logical cores.
	MaxParallelJobs     int  `mapstructure:"max_parallel_jobs"`
	AutoRenameFiles     bool `mapstructure:"auto_rename_files"`
	AutoOrganizeFolders bool `mapstructure:"auto_organize_folders"`
	StopOnFatal         bool `mapstructure:"stop_on_fatal"`

	FileRenamePattern         string `mapstructure:"file_rename_pattern"`
	FileValidationPattern     string `mapstructure:"file_validation_pattern"`
	FolderOrganizationPattern string `mapstructure:"folder_organization_pattern"`
	FileExtension             string `mapstructure:"file_extension"`

	FFmpegParams media.TranscodeSpec `mapstructure:"ffmpeg_params"`

	FFmpeg   FFmpegConfig  `mapstructure:"ffmpeg"`
	Timeouts TimeoutConfig `mapstructure:"timeouts"`
	Sandbox  SandboxConfig `mapstructure:"sandbox"`
	History  HistoryConfig `mapstructure:"history"`
	API      APIConfig     `mapstructure:"api"`
	Watch    WatchConfig   `mapstructure:"watch"`
	Report   ReportConfig  `mapstructure:"report"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
	ProbePath  string `mapstructure:"probe_path"`  // Path to ffprobe binary (empty = auto-detect)
}

// TimeoutConfig holds per-job timing limits.
type TimeoutConfig struct {
	// Wall is the hard per-job limit on total runtime.
	Wall Duration `mapstructure:"wall"`
	// Stall is the maximum gap between progress updates before the job
	// is treated as hung.
	Stall Duration `mapstructure:"stall"`
	// TerminateGrace is how long a child gets between the polite stop
	// signal and the forced kill.
	TerminateGrace Duration `mapstructure:"terminate_grace"`
	// Probe bounds a single ffprobe invocation.
	Probe Duration `mapstructure:"probe"`
}

// SandboxConfig holds child process confinement configuration.
type SandboxConfig struct {
	AllowedCommands        []string `mapstructure:"allowed_commands"`
	BlockedCommands        []string `mapstructure:"blocked_commands"`
	AllowedCommandPatterns []string `mapstructure:"allowed_command_patterns"`
	BlockedCommandPatterns []string `mapstructure:"blocked_command_patterns"`

	// Extra path grants beyond the input and output folders, which are
	// always readable and writable respectively.
	AllowRead  []string `mapstructure:"allow_read"`
	AllowWrite []string `mapstructure:"allow_write"`
	Deny       []string `mapstructure:"deny"`

	// Resource ceilings. Zero means unlimited.
	MaxCPUPercent float64  `mapstructure:"max_cpu_percent"`
	MaxRSS        ByteSize `mapstructure:"max_rss"`
	MaxFileSize   ByteSize `mapstructure:"max_file_size"`
	MaxProcesses  int      `mapstructure:"max_processes"`

	// KillOnBreach terminates a job whose process exceeds a ceiling the
	// kernel cannot enforce directly; otherwise breaches are only audited.
	KillOnBreach bool `mapstructure:"kill_on_breach"`

	AuditLog       string `mapstructure:"audit_log"` // Audit log path (empty = <log_dir>/sandbox-audit.jsonl)
	AuditQueueSize int    `mapstructure:"audit_queue_size"`
}

// HistoryConfig holds run history database configuration.
type HistoryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Driver       string `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN          string `mapstructure:"dsn"`    // empty = <data_dir>/history.db for sqlite
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"` // silent, error, warn, info
}

// APIConfig holds the optional status API configuration.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// WatchConfig holds watch mode configuration.
type WatchConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Debounce Duration `mapstructure:"debounce"`
	// Schedule is an optional cron expression for periodic sweeps of the
	// input folder, used alongside filesystem events.
	Schedule string `mapstructure:"schedule"`
}

// ReportConfig holds batch report output configuration.
type ReportConfig struct {
	Dir         string `mapstructure:"dir"`         // empty = <data_dir>/reports
	Compression string `mapstructure:"compression"` // "", xz, br, bz2
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`  // debug, info, warn, error
	Format    string `mapstructure:"format"` // json, text
	AddSource bool   `mapstructure:"add_source"`
}

// Load reads configuration from file, named profile, and environment
// variables. Precedence from lowest to highest: defaults, config file,
// profile, environment. Environment variables are prefixed with VODARR_
// and use underscores for nesting, for example VODARR_TIMEOUTS_STALL=90s.
// MEDIA_ROOT, PYPROCESSOR_DATA_DIR, PYPROCESSOR_PROFILES_DIR and
// PYPROCESSOR_LOG_DIR are honoured as compatibility aliases.
func Load(configPath, profile string) (*Config, error) {
	return LoadWithOverrides(configPath, profile, nil)
}

// LoadWithOverrides is Load plus a set of dotted-key overrides applied
// above every other source, including the environment. The CLI feeds it
// the flags the user actually changed, so unchanged flag defaults never
// shadow config or environment values.
func LoadWithOverrides(configPath, profile string, overrides map[string]any) (*Config, error) {
	v, err := newViper(configPath, profile)
	if err != nil {
		return nil, err
	}
	for key, val := range overrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Settings returns the fully merged configuration as a key/value map,
// suitable for dumping back to the user.
func Settings(configPath, profile string) (map[string]any, error) {
	v, err := newViper(configPath, profile)
	if err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func newViper(configPath, profile string) (*viper.Viper, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir)
		v.AddConfigPath("$HOME/.vodarr")
	}

	v.SetEnvPrefix("VODARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindCompatEnv(v)

	// Read config file. A missing file on the default search path is fine;
	// an explicit path that cannot be read is not.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := mergeProfileIfSet(v, profile); err != nil {
		return nil, err
	}
	return v, nil
}

func mergeProfileIfSet(v *viper.Viper, profile string) error {
	if profile == "" {
		return nil
	}
	dir := v.GetString("profiles_dir")
	if dir == "" {
		dir = filepath.Join(v.GetString("data_dir"), "profiles")
	}
	path := filepath.Join(dir, profile+".json")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening profile %q: %w", profile, err)
	}
	defer f.Close()

	v.SetConfigType("json")
	if err := v.MergeConfig(f); err != nil {
		return fmt.Errorf("merging profile %q: %w", profile, err)
	}
	return nil
}

// bindCompatEnv wires the legacy environment variable names alongside the
// VODARR_ prefixed ones.
func bindCompatEnv(v *viper.Viper) {
	_ = v.BindEnv("media_root", "VODARR_MEDIA_ROOT", "MEDIA_ROOT")
	_ = v.BindEnv("data_dir", "VODARR_DATA_DIR", "PYPROCESSOR_DATA_DIR")
	_ = v.BindEnv("profiles_dir", "VODARR_PROFILES_DIR", "PYPROCESSOR_PROFILES_DIR")
	_ = v.BindEnv("log_dir", "VODARR_LOG_DIR", "PYPROCESSOR_LOG_DIR")
}

// decodeHooks builds the mapstructure hook chain used when unmarshaling.
// TextUnmarshallerHookFunc lets Duration and ByteSize fields accept
// human-readable strings; Viper does not install it by default.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Folder defaults. Input and output stay empty here; they are derived
	// from media_root after unmarshaling when not set explicitly.
	v.SetDefault("media_root", "")
	v.SetDefault("input_folder", "")
	v.SetDefault("output_folder", "")
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("profiles_dir", "")
	v.SetDefault("log_dir", "")

	// Batch behaviour defaults
	v.SetDefault("max_parallel_jobs", 0)
	v.SetDefault("auto_rename_files", true)
	v.SetDefault("auto_organize_folders", true)
	v.SetDefault("stop_on_fatal", false)

	// Intake pattern defaults
	v.SetDefault("file_rename_pattern", defaultRenamePattern)
	v.SetDefault("file_validation_pattern", defaultValidationPattern)
	v.SetDefault("folder_organization_pattern", defaultOrganizePattern)
	v.SetDefault("file_extension", ".mp4")

	// Encoder defaults
	v.SetDefault("ffmpeg_params.video_encoder", "libx264")
	v.SetDefault("ffmpeg_params.audio_encoder", "aac")
	v.SetDefault("ffmpeg_params.preset", "medium")
	v.SetDefault("ffmpeg_params.tune", "")
	v.SetDefault("ffmpeg_params.crf", defaultCRF)
	v.SetDefault("ffmpeg_params.fps", 0)
	v.SetDefault("ffmpeg_params.include_audio", true)
	v.SetDefault("ffmpeg_params.ladder", defaultLadder())

	// FFmpeg binary defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")

	// Timeout defaults
	v.SetDefault("timeouts.wall", defaultWallTimeout)
	v.SetDefault("timeouts.stall", defaultStallTimeout)
	v.SetDefault("timeouts.terminate_grace", defaultTerminateGrace)
	v.SetDefault("timeouts.probe", defaultProbeTimeout)

	// Sandbox defaults
	v.SetDefault("sandbox.allowed_commands", []string{"ffmpeg", "ffprobe"})
	v.SetDefault("sandbox.blocked_commands", []string{"rm", "dd", "mkfs", "sh", "bash", "sudo"})
	v.SetDefault("sandbox.allowed_command_patterns", []string{})
	v.SetDefault("sandbox.blocked_command_patterns", []string{})
	v.SetDefault("sandbox.allow_read", []string{})
	v.SetDefault("sandbox.allow_write", []string{})
	v.SetDefault("sandbox.deny", []string{})
	v.SetDefault("sandbox.max_cpu_percent", 0)
	v.SetDefault("sandbox.max_rss", 0)
	v.SetDefault("sandbox.max_file_size", 0)
	v.SetDefault("sandbox.max_processes", 0)
	v.SetDefault("sandbox.kill_on_breach", true)
	v.SetDefault("sandbox.audit_log", "")
	v.SetDefault("sandbox.audit_queue_size", defaultAuditQueueSize)

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("history.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("history.log_level", "warn")

	// API defaults
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", defaultAPIPort)

	// Watch defaults
	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", defaultWatchDebounce)
	v.SetDefault("watch.schedule", "")

	// Report defaults
	v.SetDefault("report.dir", "")
	v.SetDefault("report.compression", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
}

func defaultLadder() []map[string]any {
	return []map[string]any{
		{"height": 1080, "bitrate": "5000k"},
		{"height": 720, "bitrate": "3000k"},
		{"height": 480, "bitrate": "1500k"},
		{"height": 360, "bitrate": "800k"},
	}
}

// applyDerived fills folder fields that default relative to media_root.
func (c *Config) applyDerived() {
	if c.MediaRoot != "" {
		if c.InputFolder == "" {
			c.InputFolder = filepath.Join(c.MediaRoot, "input")
		}
		if c.OutputFolder == "" {
			c.OutputFolder = filepath.Join(c.MediaRoot, "output")
		}
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
}

var bitrateRe = regexp.MustCompile(`^\d+(?:\.\d+)?[kKmM]?$`)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.InputFolder == "" {
		return fmt.Errorf("input_folder is required (set --input, input_folder, or MEDIA_ROOT)")
	}
	if c.OutputFolder == "" {
		return fmt.Errorf("output_folder is required (set --output, output_folder, or MEDIA_ROOT)")
	}

	if c.MaxParallelJobs < 0 {
		return fmt.Errorf("max_parallel_jobs must be zero or positive")
	}

	renameRe, err := regexp.Compile(c.FileRenamePattern)
	if err != nil {
		return fmt.Errorf("file_rename_pattern: %w", err)
	}
	if renameRe.NumSubexp() != 1 {
		return fmt.Errorf("file_rename_pattern must contain exactly one capture group")
	}
	if _, err := regexp.Compile(c.FileValidationPattern); err != nil {
		return fmt.Errorf("file_validation_pattern: %w", err)
	}
	organizeRe, err := regexp.Compile(c.FolderOrganizationPattern)
	if err != nil {
		return fmt.Errorf("folder_organization_pattern: %w", err)
	}
	if organizeRe.NumSubexp() < 1 {
		return fmt.Errorf("folder_organization_pattern must contain a capture group")
	}

	if !strings.HasPrefix(c.FileExtension, ".") {
		return fmt.Errorf("file_extension must start with a dot")
	}

	if err := c.validateEncoder(); err != nil {
		return err
	}

	if c.Timeouts.Wall <= 0 {
		return fmt.Errorf("timeouts.wall must be positive")
	}
	if c.Timeouts.Stall <= 0 {
		return fmt.Errorf("timeouts.stall must be positive")
	}
	if c.Timeouts.TerminateGrace <= 0 {
		return fmt.Errorf("timeouts.terminate_grace must be positive")
	}
	if c.Timeouts.Probe <= 0 {
		return fmt.Errorf("timeouts.probe must be positive")
	}

	if c.Sandbox.MaxCPUPercent < 0 {
		return fmt.Errorf("sandbox.max_cpu_percent must be zero or positive")
	}
	if c.Sandbox.AuditQueueSize < 1 {
		return fmt.Errorf("sandbox.audit_queue_size must be at least 1")
	}
	for _, p := range c.Sandbox.AllowedCommandPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("sandbox.allowed_command_patterns %q: %w", p, err)
		}
	}
	for _, p := range c.Sandbox.BlockedCommandPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("sandbox.blocked_command_patterns %q: %w", p, err)
		}
	}

	if c.History.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.History.Driver] {
			return fmt.Errorf("history.driver must be one of: sqlite, postgres, mysql")
		}
		if c.History.Driver != "sqlite" && c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required for driver %q", c.History.Driver)
		}
	}

	if c.API.Enabled {
		const maxPort = 65535
		if c.API.Port < 1 || c.API.Port > maxPort {
			return fmt.Errorf("api.port must be between 1 and %d", maxPort)
		}
	}

	validCompressions := map[string]bool{"": true, "xz": true, "br": true, "bz2": true}
	if !validCompressions[c.Report.Compression] {
		return fmt.Errorf("report.compression must be one of: xz, br, bz2, or empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

func (c *Config) validateEncoder() error {
	p := c.FFmpegParams

	if p.VideoCodec == "" {
		return fmt.Errorf("ffmpeg_params.video_encoder is required")
	}
	if p.IncludeAudio && p.AudioCodec == "" {
		return fmt.Errorf("ffmpeg_params.audio_encoder is required when audio is included")
	}

	if p.Preset != "" {
		validPresets := map[string]bool{
			"ultrafast": true, "superfast": true, "veryfast": true,
			"faster": true, "fast": true, "medium": true,
			"slow": true, "slower": true, "veryslow": true, "placebo": true,
		}
		if !validPresets[p.Preset] {
			return fmt.Errorf("ffmpeg_params.preset %q is not a recognised preset", p.Preset)
		}
	}
	if p.Tune != "" {
		validTunes := map[string]bool{
			"film": true, "animation": true, "grain": true, "stillimage": true,
			"fastdecode": true, "zerolatency": true, "psnr": true, "ssim": true,
		}
		if !validTunes[p.Tune] {
			return fmt.Errorf("ffmpeg_params.tune %q is not a recognised tune", p.Tune)
		}
	}

	if p.CRF < 0 || p.CRF > 51 {
		return fmt.Errorf("ffmpeg_params.crf must be between 0 and 51")
	}
	if p.FPS < 0 || p.FPS > 240 {
		return fmt.Errorf("ffmpeg_params.fps must be between 0 and 240")
	}

	if len(p.Ladder) == 0 {
		return fmt.Errorf("ffmpeg_params.ladder must contain at least one rendition")
	}
	for i, r := range p.Ladder {
		if r.Height < 1 {
			return fmt.Errorf("ffmpeg_params.ladder[%d].height must be positive", i)
		}
		if !bitrateRe.MatchString(r.Bitrate) {
			return fmt.Errorf("ffmpeg_params.ladder[%d].bitrate %q is not a valid bitrate", i, r.Bitrate)
		}
	}

	return nil
}

// ProfilesPath returns the directory holding named profile files.
func (c *Config) ProfilesPath() string {
	if c.ProfilesDir != "" {
		return c.ProfilesDir
	}
	return filepath.Join(c.DataDir, "profiles")
}

// LogPath returns the directory for log output files.
func (c *Config) LogPath() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return filepath.Join(c.DataDir, "logs")
}

// ReportPath returns the directory for batch report files.
func (c *Config) ReportPath() string {
	if c.Report.Dir != "" {
		return c.Report.Dir
	}
	return filepath.Join(c.DataDir, "reports")
}

// HistoryDSN returns the run history connection string, defaulting the
// sqlite database file into the data directory.
func (c *Config) HistoryDSN() string {
	if c.History.DSN != "" {
		return c.History.DSN
	}
	return filepath.Join(c.DataDir, "history.db")
}

// AuditLogPath returns the sandbox audit log location.
func (c *Config) AuditLogPath() string {
	if c.Sandbox.AuditLog != "" {
		return c.Sandbox.AuditLog
	}
	return filepath.Join(c.LogPath(), "sandbox-audit.jsonl")
}

// Address returns the status API address in host:port format.
func (c *APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
