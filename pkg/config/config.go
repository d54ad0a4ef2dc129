package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"snowbird/pkg/utils"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPAddr      = "0.0.0.0:8080"
	DefaultPeerAddr      = ":7070"
	DefaultMaxUploadSize = "64MiB"
	DefaultFetchTimeout  = "2m"

	socketName   = "snowbird.sock"
	databaseName = "snowbird.db"
	blobDirName  = "blobs"
)

type Config struct {
	BaseDir            string    `json:"base_dir" yaml:"base_dir" envconfig:"BASE_DIR"`
	SocketPath         string    `json:"socket_path,omitempty" yaml:"socket_path,omitempty" envconfig:"SOCKET_PATH"`
	HTTPAddr           string    `json:"http_addr" yaml:"http_addr" envconfig:"HTTP_ADDR"`
	PeerAddr           string    `json:"peer_addr" yaml:"peer_addr" envconfig:"PEER_ADDR"`
	AdvertiseAddr      string    `json:"advertise_addr,omitempty" yaml:"advertise_addr,omitempty" envconfig:"ADVERTISE_ADDR"`
	BootstrapPeers     []string  `json:"bootstrap_peers,omitempty" yaml:"bootstrap_peers,omitempty" envconfig:"BOOTSTRAP_PEERS"`
	MaxUploadSize      string    `json:"max_upload_size" yaml:"max_upload_size" envconfig:"MAX_UPLOAD_SIZE"`
	RefreshConcurrency int       `json:"refresh_concurrency" yaml:"refresh_concurrency" envconfig:"REFRESH_CONCURRENCY"`
	FetchTimeout       string    `json:"fetch_timeout" yaml:"fetch_timeout" envconfig:"FETCH_TIMEOUT"`
	CompressBlobs      bool      `json:"compress_blobs" yaml:"compress_blobs" envconfig:"COMPRESS_BLOBS"`
	TLS                TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig secures the peer exchange. Empty paths mean plaintext.
type TLSConfig struct {
	CertPath string `json:"cert_path,omitempty" yaml:"cert_path,omitempty" envconfig:"CERT_PATH"`
	KeyPath  string `json:"key_path,omitempty" yaml:"key_path,omitempty" envconfig:"KEY_PATH"`
	CAPath   string `json:"ca_path,omitempty" yaml:"ca_path,omitempty" envconfig:"CA_PATH"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertPath != "" && t.KeyPath != ""
}

// Default returns a configuration rooted at DefaultBaseDir.
func Default() *Config {
	return &Config{
		BaseDir:            DefaultBaseDir(),
		HTTPAddr:           DefaultHTTPAddr,
		PeerAddr:           DefaultPeerAddr,
		MaxUploadSize:      DefaultMaxUploadSize,
		RefreshConcurrency: DefaultRefreshConcurrency(),
		FetchTimeout:       DefaultFetchTimeout,
	}
}

// DefaultRefreshConcurrency sizes the refresh worker pool to half the CPUs,
// between 1 and 4.
func DefaultRefreshConcurrency() int {
	n := runtime.NumCPU() / 2
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultBaseDir resolves SNOWBIRD_HOME, then XDG_DATA_HOME, then ~/.snowbird.
func DefaultBaseDir() string {
	if dir := os.Getenv("SNOWBIRD_HOME"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "snowbird")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".snowbird"
	}
	return filepath.Join(home, ".snowbird")
}

// LoadConfig reads a JSON or YAML (by extension) file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.BaseDir = expandPath(cfg.BaseDir)
	cfg.SocketPath = expandPath(cfg.SocketPath)
	return cfg, nil
}

// ApplyEnv overrides fields from SNOWBIRD_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process("SNOWBIRD", c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	c.BaseDir = expandPath(c.BaseDir)
	return nil
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if _, err := utils.ParseDataSize(c.MaxUploadSize); err != nil {
		return fmt.Errorf("invalid max_upload_size: %w", err)
	}
	if d, err := time.ParseDuration(c.FetchTimeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid fetch_timeout %q", c.FetchTimeout)
	}
	if c.RefreshConcurrency < 1 {
		return fmt.Errorf("refresh_concurrency must be at least 1, got %d", c.RefreshConcurrency)
	}
	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		return fmt.Errorf("invalid http_addr: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.PeerAddr); err != nil {
		return fmt.Errorf("invalid peer_addr: %w", err)
	}
	for _, peer := range c.BootstrapPeers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("invalid bootstrap peer %q: %w", peer, err)
		}
	}
	if (c.TLS.CertPath == "") != (c.TLS.KeyPath == "") {
		return fmt.Errorf("tls cert_path and key_path must be set together")
	}
	return nil
}

// MaxUploadBytes is the parsed upload limit.
func (c *Config) MaxUploadBytes() int64 {
	size, err := utils.ParseDataSize(c.MaxUploadSize)
	if err != nil || size <= 0 {
		size, _ = utils.ParseDataSize(DefaultMaxUploadSize)
	}
	return size
}

func (c *Config) FetchTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.FetchTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultFetchTimeout)
	}
	return d
}

// SocketFile is the unix socket the API listens on.
func (c *Config) SocketFile() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(c.BaseDir, socketName)
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.BaseDir, databaseName)
}

func (c *Config) BlobDir() string {
	return filepath.Join(c.BaseDir, blobDirName)
}

// PublicPeerAddr is the address written into share URLs.
func (c *Config) PublicPeerAddr() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	host, port, err := net.SplitHostPort(c.PeerAddr)
	if err != nil {
		return c.PeerAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
