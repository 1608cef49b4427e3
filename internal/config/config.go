// Package config loads the relay configuration file and applies
// WAKURELAY_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
	"github.com/alfredjeanlab/wakurelay/internal/transport"
)

// Environment overrides.
const (
	EnvDatabaseURL = "WAKURELAY_DATABASE_URL"
	EnvNostrKey    = "WAKURELAY_NOSTR_PRIV_KEY"
	EnvNostrURL    = "WAKURELAY_NOSTR_WS_URL"
	EnvNATSURL     = "WAKURELAY_WAKU_NATS_URL"
	EnvInviteURL   = "WAKURELAY_INDEXDB_INVITE_URL"
)

// MemoryURL selects the in-memory cursor store.
const MemoryURL = "memory://"

type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Nostr      NostrConfig      `yaml:"nostr" toml:"nostr"`
	Waku       WakuConfig       `yaml:"waku" toml:"waku"`
	IndexDB    IndexDBConfig    `yaml:"indexdb_backend" toml:"indexdb_backend"`
	Relay      RelayConfig      `yaml:"relay" toml:"relay"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" toml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port string `yaml:"port" toml:"port"` // empty = no health/metrics server
}

// Addr returns host:port, or "" when the server is disabled.
func (s ServerConfig) Addr() string {
	if s.Port == "" {
		return ""
	}
	return s.Host + ":" + s.Port
}

type DatabaseConfig struct {
	DBURL          string   `yaml:"db_url" toml:"db_url"`
	MaxConnectPool int      `yaml:"max_connect_pool" toml:"max_connect_pool"`
	MinConnectPool int      `yaml:"min_connect_pool" toml:"min_connect_pool"`
	ConnectTimeout Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	AcquireTimeout Duration `yaml:"acquire_timeout" toml:"acquire_timeout"`
}

type NostrConfig struct {
	PrivKey      string   `yaml:"priv_key" toml:"priv_key"`
	WSURL        string   `yaml:"ws_url" toml:"ws_url"`
	Hashtag      string   `yaml:"hashtag" toml:"hashtag"`
	Kind         int      `yaml:"kind" toml:"kind"`
	FetchLimit   int      `yaml:"fetch_limit" toml:"fetch_limit"`
	FetchTimeout Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
}

type WakuConfig struct {
	Mode         string `yaml:"mode" toml:"mode"`
	NodeURL      string `yaml:"node_url" toml:"node_url"`
	SendAPI      string `yaml:"send_api" toml:"send_api"`
	PubsubTopic  string `yaml:"pubsub_topic" toml:"pubsub_topic"`
	ContentTopic string `yaml:"content_topic" toml:"content_topic"`
	NodeAddr     string `yaml:"node_addr" toml:"node_addr"`
	ClusterID    int    `yaml:"cluster_id" toml:"cluster_id"`
	// Shared lists shard numbers, comma separated.
	Shared    string   `yaml:"shared" toml:"shared"`
	WakuBin   string   `yaml:"waku_bin" toml:"waku_bin"`
	WakuArgs  []string `yaml:"waku_args" toml:"waku_args"`
	WakuDylib string   `yaml:"waku_dylib" toml:"waku_dylib"`
	DNSURL    string   `yaml:"dns_url" toml:"dns_url"`
	Key       string   `yaml:"key" toml:"key"`

	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`

	ConnectAttempts    int      `yaml:"connect_attempts" toml:"connect_attempts"`
	ReconnectMax       Duration `yaml:"reconnect_max" toml:"reconnect_max"`
	PublishTimeout     Duration `yaml:"publish_timeout" toml:"publish_timeout"`
	SubscriptionBuffer int      `yaml:"subscription_buffer" toml:"subscription_buffer"`
}

// Shards parses Shared.
func (w WakuConfig) Shards() ([]int, error) {
	var out []int
	for _, part := range strings.Split(w.Shared, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, relayerr.Errorf(relayerr.ErrConfig, "waku.shared: invalid shard %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

type IndexDBConfig struct {
	InviteURL string `yaml:"invite_url" toml:"invite_url"`
}

type RelayConfig struct {
	PollInterval     Duration `yaml:"poll_interval" toml:"poll_interval"`
	ChannelCapacity  int      `yaml:"channel_capacity" toml:"channel_capacity"`
	ForwardAttempts  int      `yaml:"forward_attempts" toml:"forward_attempts"`
	RetryInitial     Duration `yaml:"retry_initial" toml:"retry_initial"`
	RetryMax         Duration `yaml:"retry_max" toml:"retry_max"`
	FetchBackoffMax  Duration `yaml:"fetch_backoff_max" toml:"fetch_backoff_max"`
	DrainTimeout     Duration `yaml:"drain_timeout" toml:"drain_timeout"`
	InitialWatermark uint64   `yaml:"initial_watermark" toml:"initial_watermark"`
	RestartDelay     Duration `yaml:"restart_delay" toml:"restart_delay"`
}

type CheckpointConfig struct {
	Interval   Duration `yaml:"interval" toml:"interval"`
	S3Bucket   string   `yaml:"s3_bucket" toml:"s3_bucket"` // enables checkpoints when set
	S3Key      string   `yaml:"s3_key" toml:"s3_key"`
	S3Region   string   `yaml:"s3_region" toml:"s3_region"`
	S3Endpoint string   `yaml:"s3_endpoint" toml:"s3_endpoint"` // custom endpoint for MinIO
	S3History  bool     `yaml:"s3_history" toml:"s3_history"`   // keep timestamped copies
}

type TelemetryConfig struct {
	TraceStdout bool   `yaml:"trace_stdout" toml:"trace_stdout"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Defaults.
const (
	DefaultMode               = transport.ModeProcess
	DefaultRestartDelay       = 5 * time.Second
	DefaultCheckpointInterval = 3 * time.Minute
	DefaultCheckpointKey      = "wakurelay/checkpoint.jsonl"
	DefaultS3Region           = "us-east-1"
	DefaultServiceName        = "wakurelay"
)

// Load reads path (YAML, or TOML when the extension is .toml), applies the
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, relayerr.Errorf(relayerr.ErrConfig, "config file %s not found", path)
	}
	if err != nil {
		return nil, relayerr.New(relayerr.ErrConfig, "read "+path, err)
	}
	c, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, relayerr.New(relayerr.ErrConfig, "parse "+path, err)
	}
	return c, nil
}

// Parse decodes data and applies overrides and defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Parse(data []byte, isTOML bool) (*Config, error) {
	c := &Config{}
	if isTOML {
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, err
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, fmt.Errorf("unknown key %s", undec[0])
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	c.applyEnv()
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyEnv() {
	c.Database.DBURL = envOrDefault(EnvDatabaseURL, c.Database.DBURL)
	c.Nostr.PrivKey = envOrDefault(EnvNostrKey, c.Nostr.PrivKey)
	c.Nostr.WSURL = envOrDefault(EnvNostrURL, c.Nostr.WSURL)
	c.Waku.NATSURL = envOrDefault(EnvNATSURL, c.Waku.NATSURL)
	c.IndexDB.InviteURL = envOrDefault(EnvInviteURL, c.IndexDB.InviteURL)
}

func (c *Config) applyDefaults() {
	if c.Waku.Mode == "" {
		c.Waku.Mode = DefaultMode
	}
	c.Waku.Mode = strings.ToLower(c.Waku.Mode)
	if c.Relay.RestartDelay <= 0 {
		c.Relay.RestartDelay = Duration(DefaultRestartDelay)
	}
	if c.Checkpoint.Interval <= 0 {
		c.Checkpoint.Interval = Duration(DefaultCheckpointInterval)
	}
	if c.Checkpoint.S3Key == "" {
		c.Checkpoint.S3Key = DefaultCheckpointKey
	}
	if c.Checkpoint.S3Region == "" {
		c.Checkpoint.S3Region = DefaultS3Region
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// UsesTransport reports whether dirs need a Waku transport: b2a always
// does, a2b unless it forwards through the REST send API.
func (c *Config) UsesTransport(dirs []relay.Direction) bool {
	for _, d := range dirs {
		switch d {
		case relay.WakuToNostr:
			return true
		case relay.NostrToWaku:
			if c.Waku.Mode != transport.ModeREST {
				return true
			}
		}
	}
	return false
}

// Validate checks that every setting the selected directions need is
// present and returns the first missing requirement as an ErrConfig.
func (c *Config) Validate(dirs []relay.Direction) error {
	if len(dirs) == 0 {
		return relayerr.Errorf(relayerr.ErrConfig, "no direction selected")
	}
	if c.Database.DBURL == "" {
		return missing("database.db_url", EnvDatabaseURL)
	}
	if c.Nostr.PrivKey == "" {
		return missing("nostr.priv_key", EnvNostrKey)
	}
	if c.Nostr.WSURL == "" {
		return missing("nostr.ws_url", EnvNostrURL)
	}
	if c.Database.MinConnectPool > c.Database.MaxConnectPool && c.Database.MaxConnectPool > 0 {
		return relayerr.Errorf(relayerr.ErrConfig, "database.min_connect_pool exceeds max_connect_pool")
	}

	for _, d := range dirs {
		switch d {
		case relay.NostrToWaku:
			if c.Waku.Mode == transport.ModeREST {
				if c.Waku.SendAPI == "" {
					return missing("waku.send_api", "")
				}
				if c.Waku.ContentTopic == "" {
					return missing("waku.content_topic", "")
				}
			}
		case relay.WakuToNostr:
			if c.Waku.Mode == transport.ModeREST {
				return relayerr.Errorf(relayerr.ErrConfig, "direction %s cannot subscribe in waku mode %q", d, c.Waku.Mode)
			}
		case relay.NostrToIndex:
			if c.IndexDB.InviteURL == "" {
				return missing("indexdb_backend.invite_url", EnvInviteURL)
			}
		default:
			return relayerr.Errorf(relayerr.ErrConfig, "unknown direction %q", d)
		}
	}

	if c.UsesTransport(dirs) {
		if err := c.validateTransport(); err != nil {
			return err
		}
	}
	if c.Checkpoint.S3Bucket != "" && c.Database.DBURL == MemoryURL {
		return relayerr.Errorf(relayerr.ErrConfig, "checkpoint.s3_bucket requires a persistent database")
	}
	return nil
}

func (c *Config) validateTransport() error {
	w := c.Waku
	if w.PubsubTopic == "" {
		return missing("waku.pubsub_topic", "")
	}
	if w.ContentTopic == "" {
		return missing("waku.content_topic", "")
	}
	if _, err := w.Shards(); err != nil {
		return err
	}
	switch w.Mode {
	case transport.ModeNATS:
		if w.NATSURL == "" {
			return missing("waku.nats_url", EnvNATSURL)
		}
	case transport.ModeProcess:
		if w.WakuBin == "" {
			return missing("waku.waku_bin", "")
		}
		if w.NodeURL == "" {
			return missing("waku.node_url", "")
		}
	case transport.ModeDylib:
		if w.WakuDylib == "" {
			return missing("waku.waku_dylib", "")
		}
	default:
		return relayerr.Errorf(relayerr.ErrConfig, "unknown waku.mode %q", w.Mode)
	}
	return nil
}

func missing(key, env string) error {
	if env == "" {
		return relayerr.Errorf(relayerr.ErrConfig, "%s is required", key)
	}
	return relayerr.Errorf(relayerr.ErrConfig, "%s is required (or set %s)", key, env)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
