package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvFile is the dotenv file read before the process environment.
const EnvFile = ".env"

// CommonConfig holds settings shared by every subcommand.
type CommonConfig struct {
	LogLevel   string
	LogFile    string // Rotated log file; empty logs to stderr only
	SSHHost    string // Empty disables the SFTP channel
	SSHPort    int
	SSHUser    string
	SSHKey     string // Private key path (default: ~/.ssh/id_ed25519, then ~/.ssh/id_rsa)
	KnownHosts string // known_hosts path (default: ~/.ssh/known_hosts)
}

// PullConfig holds configuration for the pull subcommand.
type PullConfig struct {
	CommonConfig
	RemoteDir      string   // Empty selects the raw pull channel
	LocalDir       string   // Destination directory (default ".")
	Files          []string // Artifacts to fetch (repeatable -file)
	PullIP         string   // Raw pull source address
	PullPort       int
	Transport      string        // "tcp" or "quic"
	IOTimeout      time.Duration // Per-read deadline on the raw channel; 0 disables
	DialTimeout    time.Duration
	CheckFreeSpace bool
}

// PutConfig holds configuration for the put subcommand.
type PutConfig struct {
	CommonConfig
	LocalDir  string
	RemoteDir string
	Files     []string
}

// ParsePullConfig parses pull configuration from .env, environment variables and flags.
// Flags take precedence over environment variables, which take precedence over .env.
func ParsePullConfig(args []string) (PullConfig, error) {
	if err := loadEnvFile(EnvFile); err != nil {
		return PullConfig{}, fmt.Errorf("load %s: %w", EnvFile, err)
	}
	return parsePullConfigWithFlagSet(flag.NewFlagSet("pull", flag.ContinueOnError), args)
}

// ParsePutConfig parses put configuration from .env, environment variables and flags.
func ParsePutConfig(args []string) (PutConfig, error) {
	if err := loadEnvFile(EnvFile); err != nil {
		return PutConfig{}, fmt.Errorf("load %s: %w", EnvFile, err)
	}
	return parsePutConfigWithFlagSet(flag.NewFlagSet("put", flag.ContinueOnError), args)
}

// PrintPullDefaults writes the pull flags and their defaults to w.
func PrintPullDefaults(w io.Writer) {
	fs := flag.NewFlagSet("pull", flag.ContinueOnError)
	fs.SetOutput(w)
	_, _ = parsePullConfigWithFlagSet(fs, nil)
	fs.PrintDefaults()
}

// PrintPutDefaults writes the put flags and their defaults to w.
func PrintPutDefaults(w io.Writer) {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(w)
	_, _ = parsePutConfigWithFlagSet(fs, nil)
	fs.PrintDefaults()
}

// parsePullConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parsePullConfigWithFlagSet(fs *flag.FlagSet, args []string) (PullConfig, error) {
	cfg := PullConfig{
		CommonConfig: defaultCommon(),
		LocalDir:     ".",
		Transport:    "tcp",
		DialTimeout:  10 * time.Second,
		IOTimeout:    30 * time.Second,
	}

	readCommonEnv(&cfg.CommonConfig)
	if v := os.Getenv("MEMFETCH_REMOTE_DIR"); v != "" {
		cfg.RemoteDir = v
	}
	if v := os.Getenv("MEMFETCH_LOCAL_DIR"); v != "" {
		cfg.LocalDir = v
	}
	if v := os.Getenv("MEMFETCH_PULL_IP"); v != "" {
		cfg.PullIP = v
	}
	if v, ok := envInt("MEMFETCH_PULL_PORT"); ok {
		cfg.PullPort = v
	}
	if v := os.Getenv("MEMFETCH_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v, ok := envDuration("MEMFETCH_IO_TIMEOUT"); ok {
		cfg.IOTimeout = v
	}
	if v, ok := envDuration("MEMFETCH_DIAL_TIMEOUT"); ok {
		cfg.DialTimeout = v
	}
	if v, ok := envBool("MEMFETCH_CHECK_FREE_SPACE"); ok {
		cfg.CheckFreeSpace = v
	}
	envFiles := envList("MEMFETCH_FILES")

	// Flags override environment
	registerCommonFlags(fs, &cfg.CommonConfig)
	fs.StringVar(&cfg.RemoteDir, "remote-dir", cfg.RemoteDir, "remote directory for SFTP pulls (empty: raw pull channel)")
	fs.StringVar(&cfg.LocalDir, "local-dir", cfg.LocalDir, "local destination directory")
	fs.StringVar(&cfg.PullIP, "pull-ip", cfg.PullIP, "raw pull source address")
	fs.IntVar(&cfg.PullPort, "pull-port", cfg.PullPort, "raw pull source port")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "raw pull transport (tcp, quic)")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "read deadline on the raw pull channel (0 disables)")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "connect timeout for the raw pull channel")
	fs.BoolVar(&cfg.CheckFreeSpace, "check-free-space", cfg.CheckFreeSpace, "reject images larger than the free space at the destination")

	files := make([]string, 0)
	fs.Var((*stringSlice)(&files), "file", "file to pull (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if len(files) > 0 {
		cfg.Files = files
	} else {
		cfg.Files = envFiles
	}
	cfg.Files = append(cfg.Files, fs.Args()...)

	if cfg.Transport != "tcp" && cfg.Transport != "quic" {
		return cfg, errors.New("transport must be tcp or quic")
	}
	if cfg.PullPort < 0 || cfg.PullPort > 65535 {
		return cfg, errors.New("pull port out of range")
	}
	return cfg, nil
}

// parsePutConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parsePutConfigWithFlagSet(fs *flag.FlagSet, args []string) (PutConfig, error) {
	cfg := PutConfig{
		CommonConfig: defaultCommon(),
		LocalDir:     ".",
		RemoteDir:    "/tmp",
	}

	readCommonEnv(&cfg.CommonConfig)
	if v := os.Getenv("MEMFETCH_LOCAL_DIR"); v != "" {
		cfg.LocalDir = v
	}
	if v := os.Getenv("MEMFETCH_REMOTE_DIR"); v != "" {
		cfg.RemoteDir = v
	}
	envFiles := envList("MEMFETCH_FILES")

	registerCommonFlags(fs, &cfg.CommonConfig)
	fs.StringVar(&cfg.LocalDir, "local-dir", cfg.LocalDir, "local source directory")
	fs.StringVar(&cfg.RemoteDir, "remote-dir", cfg.RemoteDir, "remote destination directory")

	files := make([]string, 0)
	fs.Var((*stringSlice)(&files), "file", "file to upload (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if len(files) > 0 {
		cfg.Files = files
	} else {
		cfg.Files = envFiles
	}
	cfg.Files = append(cfg.Files, fs.Args()...)

	if cfg.RemoteDir == "" {
		return cfg, errors.New("put requires a remote directory")
	}
	return cfg, nil
}

func defaultCommon() CommonConfig {
	return CommonConfig{
		LogLevel: "info",
		SSHPort:  22,
		SSHUser:  "root",
	}
}

func readCommonEnv(cfg *CommonConfig) {
	if v := os.Getenv("MEMFETCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MEMFETCH_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("MEMFETCH_SSH_HOST"); v != "" {
		cfg.SSHHost = v
	}
	if v, ok := envInt("MEMFETCH_SSH_PORT"); ok {
		cfg.SSHPort = v
	}
	if v := os.Getenv("MEMFETCH_SSH_USER"); v != "" {
		cfg.SSHUser = v
	}
	if v := os.Getenv("MEMFETCH_SSH_KEY"); v != "" {
		cfg.SSHKey = v
	}
	if v := os.Getenv("MEMFETCH_KNOWN_HOSTS"); v != "" {
		cfg.KnownHosts = v
	}
}

func registerCommonFlags(fs *flag.FlagSet, cfg *CommonConfig) {
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write logs to this rotated file")
	fs.StringVar(&cfg.SSHHost, "ssh-host", cfg.SSHHost, "target host for the SFTP channel")
	fs.IntVar(&cfg.SSHPort, "ssh-port", cfg.SSHPort, "SSH port")
	fs.StringVar(&cfg.SSHUser, "ssh-user", cfg.SSHUser, "SSH user")
	fs.StringVar(&cfg.SSHKey, "ssh-key", cfg.SSHKey, "SSH private key path")
	fs.StringVar(&cfg.KnownHosts, "known-hosts", cfg.KnownHosts, "known_hosts path")
}

// loadEnvFile exports the variables in path that are not already set.
// A missing file is not an error.
func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Malformed numeric values in the environment are ignored.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
