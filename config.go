package logchain

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a logchain process. It is built once
// and handed to the constructors that need it; nothing reads it globally.
type Config struct {
	// Keys locates the private key and the stored mutable name.
	Keys KeysConfig `yaml:"keys"`

	// Fetch configures where encrypted batches come from.
	Fetch FetchConfig `yaml:"fetch"`

	// Resolve configures name resolution.
	Resolve ResolveConfig `yaml:"resolve"`

	// Output configures the sinks records are appended to.
	Output OutputConfig `yaml:"output"`

	// Walk configures chain traversal.
	Walk WalkConfig `yaml:"walk"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Log configures diagnostics.
	Log LogConfig `yaml:"log"`
}

// KeysConfig locates key material.
type KeysConfig struct {
	// PrivateKey is a PEM file holding the RSA private key.
	// Default: keys/private_key.pem
	PrivateKey string `yaml:"private_key"`

	// NameFile holds the mutable name on its first line.
	// Default: keys/ipns_key.txt
	NameFile string `yaml:"name_file"`

	// OAEPHash is the hash used for key unwrapping: "sha1" or "sha256".
	// Default: sha1
	OAEPHash string `yaml:"oaep_hash"`
}

// FetchConfig configures blob retrieval.
type FetchConfig struct {
	// Gateway is the base URL of an HTTP gateway.
	// Default: https://ipfs.io
	Gateway string `yaml:"gateway"`

	// Folder, when set, reads blobs from this directory instead of the gateway.
	Folder string `yaml:"folder"`

	// Cache, when set, is a bbolt file caching fetched blobs.
	Cache string `yaml:"cache"`

	// Timeout bounds each fetch.
	// Default: 30s
	Timeout string `yaml:"timeout"`

	// MaxBlobSize caps the size of a fetched blob in bytes.
	// Default: 8 MiB
	MaxBlobSize int64 `yaml:"max_blob_size"`
}

// ResolveConfig configures name resolution.
type ResolveConfig struct {
	// Method is "command" (run the ipfs binary) or "api" (Kubo RPC).
	// Default: command
	Method string `yaml:"method"`

	// Binary is the ipfs executable for the command method.
	// Default: ipfs
	Binary string `yaml:"binary"`

	// API is the Kubo RPC base URL for the api method.
	// Default: http://127.0.0.1:5001
	API string `yaml:"api"`

	// Timeout bounds one resolution.
	// Default: 5s
	Timeout string `yaml:"timeout"`
}

// OutputConfig configures sinks. Every non-empty path gets its own sink.
type OutputConfig struct {
	// JSONL is the JSON Lines output file.
	// Default: logs_output.jsonl
	JSONL string `yaml:"jsonl"`

	// Proto is a length-delimited protobuf output file.
	Proto string `yaml:"proto"`

	// SQLite is a SQLite database file.
	SQLite string `yaml:"sqlite"`
}

// WalkConfig configures traversal.
type WalkConfig struct {
	// RecordPolicy is "skip" or "fail" for undecodable log elements.
	// Default: skip
	RecordPolicy string `yaml:"record_policy"`

	// MaxBatches stops a walk after that many batches (0 = unlimited).
	MaxBatches int `yaml:"max_batches"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	// Default: 127.0.0.1:8080
	Addr string `yaml:"addr"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// LogConfig configures diagnostics.
type LogConfig struct {
	// Level is a logrus level name.
	// Default: info
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: text
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Keys: KeysConfig{
			PrivateKey: "keys/private_key.pem",
			NameFile:   "keys/ipns_key.txt",
			OAEPHash:   string(OAEPSHA1),
		},
		Fetch: FetchConfig{
			Gateway:     "https://ipfs.io",
			Timeout:     DefaultFetchTimeout.String(),
			MaxBlobSize: DefaultMaxBlobSize,
		},
		Resolve: ResolveConfig{
			Method:  "command",
			Binary:  "ipfs",
			API:     "http://127.0.0.1:5001",
			Timeout: DefaultResolveTimeout.String(),
		},
		Output: OutputConfig{
			JSONL: "logs_output.jsonl",
		},
		Walk: WalkConfig{
			RecordPolicy: SkipInvalid.String(),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LOGCHAIN_* environment variables.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"LOGCHAIN_PRIVATE_KEY":     &c.Keys.PrivateKey,
		"LOGCHAIN_NAME_FILE":       &c.Keys.NameFile,
		"LOGCHAIN_OAEP_HASH":       &c.Keys.OAEPHash,
		"LOGCHAIN_GATEWAY":         &c.Fetch.Gateway,
		"LOGCHAIN_FOLDER":          &c.Fetch.Folder,
		"LOGCHAIN_CACHE":           &c.Fetch.Cache,
		"LOGCHAIN_FETCH_TIMEOUT":   &c.Fetch.Timeout,
		"LOGCHAIN_RESOLVE_METHOD":  &c.Resolve.Method,
		"LOGCHAIN_IPFS_BINARY":     &c.Resolve.Binary,
		"LOGCHAIN_IPFS_API":        &c.Resolve.API,
		"LOGCHAIN_RESOLVE_TIMEOUT": &c.Resolve.Timeout,
		"LOGCHAIN_OUTPUT":          &c.Output.JSONL,
		"LOGCHAIN_OUTPUT_PROTO":    &c.Output.Proto,
		"LOGCHAIN_OUTPUT_SQLITE":   &c.Output.SQLite,
		"LOGCHAIN_RECORD_POLICY":   &c.Walk.RecordPolicy,
		"LOGCHAIN_ADDR":            &c.Server.Addr,
		"LOGCHAIN_LOG_LEVEL":       &c.Log.Level,
		"LOGCHAIN_LOG_FORMAT":      &c.Log.Format,
	}
	for k, p := range str {
		if v, ok := os.LookupEnv(k); ok {
			*p = v
		}
	}
	if v, ok := os.LookupEnv("LOGCHAIN_MAX_BATCHES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOGCHAIN_MAX_BATCHES: %w", err)
		}
		c.Walk.MaxBatches = n
	}
	if v, ok := os.LookupEnv("LOGCHAIN_MAX_BLOB_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LOGCHAIN_MAX_BLOB_SIZE: %w", err)
		}
		c.Fetch.MaxBlobSize = n
	}
	return nil
}

// Validate checks enumerations and durations.
func (c *Config) Validate() error {
	var errs []error
	if c.Keys.PrivateKey == "" {
		errs = append(errs, errors.New("keys.private_key is required"))
	}
	if _, err := OAEPHash(c.Keys.OAEPHash).hashFunc(); err != nil {
		errs = append(errs, fmt.Errorf("keys.oaep_hash: %w", err))
	}
	if c.Fetch.Folder == "" && c.Fetch.Gateway == "" {
		errs = append(errs, errors.New("fetch.gateway or fetch.folder is required"))
	}
	if _, err := parseDuration(c.Fetch.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("fetch.timeout: %w", err))
	}
	if c.Fetch.MaxBlobSize < 0 {
		errs = append(errs, errors.New("fetch.max_blob_size must not be negative"))
	}
	switch c.Resolve.Method {
	case "command", "api":
	default:
		errs = append(errs, fmt.Errorf("resolve.method: unknown method %q", c.Resolve.Method))
	}
	if _, err := parseDuration(c.Resolve.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("resolve.timeout: %w", err))
	}
	if _, err := ParseRecordPolicy(c.Walk.RecordPolicy); err != nil {
		errs = append(errs, fmt.Errorf("walk.record_policy: %w", err))
	}
	if c.Walk.MaxBatches < 0 {
		errs = append(errs, errors.New("walk.max_batches must not be negative"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// FetchTimeout returns the parsed fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	d, _ := parseDuration(c.Fetch.Timeout)
	return d
}

// ResolveTimeout returns the parsed resolve timeout.
func (c *Config) ResolveTimeout() time.Duration {
	d, _ := parseDuration(c.Resolve.Timeout)
	return d
}

// RecordPolicy returns the parsed record policy.
func (c *Config) RecordPolicy() RecordPolicy {
	p, _ := ParseRecordPolicy(c.Walk.RecordPolicy)
	return p
}

// parseDuration accepts an empty string as zero so callers fall back to defaults.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
