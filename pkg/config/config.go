package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/arklabs/ark/pkg/identity"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

// EnvPrefix is the prefix for environment overrides: ARK_<SECTION>_<KEY>.
const EnvPrefix = "ARK"

// Duration wraps time.Duration so TOML and env values can be written as
// "30s" / "5m" strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for go-toml.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the root configuration. Loaded once at boot; reloads build a new
// Config and swap it atomically, so a Config value is immutable after Load.
type Config struct {
	Peer         PeerConfig         `toml:"peer"`
	Federation   FederationConfig   `toml:"federation"`
	Bus          BusConfig          `toml:"bus"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Generation   GenerationConfig   `toml:"generation"`
	Validator    ValidatorConfig    `toml:"validator"`
	Storage      StorageConfig      `toml:"storage"`
	Discovery    DiscoveryConfig    `toml:"discovery"`
	API          APIConfig          `toml:"api"`
	Log          LogConfig          `toml:"log"`
}

// PeerConfig identifies this instance in the federation.
type PeerConfig struct {
	Role        types.PeerRole `toml:"role" validate:"oneof=local cloud edge"`
	EndpointURL string         `toml:"endpoint_url" validate:"omitempty,url"`
	DisplayName string         `toml:"display_name"`
}

// FederationConfig controls sync cadence, peer table limits, and the peers
// known ahead of any discovery.
type FederationConfig struct {
	SyncPeriod   Duration     `toml:"sync_period" validate:"required"`
	PeerTTL      Duration     `toml:"peer_ttl" validate:"required"`
	PeerGC       Duration     `toml:"peer_gc" validate:"required"`
	MaxPeers     int          `toml:"max_peers" validate:"gt=0"`
	HubURL       string       `toml:"hub_url" validate:"omitempty,url"`
	TombstoneTTL Duration     `toml:"tombstone_ttl"`
	Peers        []StaticPeer `toml:"peers" validate:"dive"`
}

// StaticPeer is a peer configured ahead of discovery, so a node can reach
// its federation without waiting for multicast or gossip. The peer id is
// derived from the public key at registration, never read from the file.
type StaticPeer struct {
	EndpointURL string         `toml:"endpoint_url" validate:"required,url"`
	PublicKey   string         `toml:"public_key" validate:"required,hexadecimal"`
	DisplayName string         `toml:"display_name"`
	Role        types.PeerRole `toml:"role" validate:"omitempty,oneof=local cloud edge"`
}

// PeerRecords resolves the statically configured peers into registry
// records, marked reachable so the first sync cycle attempts them.
func (f FederationConfig) PeerRecords() ([]*types.PeerRecord, error) {
	out := make([]*types.PeerRecord, 0, len(f.Peers))
	for _, p := range f.Peers {
		pub, err := hex.DecodeString(p.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid config: federation.peers entry %s has a malformed public key", p.EndpointURL)
		}
		out = append(out, &types.PeerRecord{
			PeerID:      identity.DerivePeerID(pub),
			PublicKey:   pub,
			EndpointURL: p.EndpointURL,
			DisplayName: p.DisplayName,
			Role:        p.Role,
			Reachable:   true,
		})
	}
	return out, nil
}

// BusConfig sizes the agent bus buffers.
type BusConfig struct {
	HistorySize int `toml:"history_size" validate:"gt=0"`
	InboxSize   int `toml:"inbox_size" validate:"gt=0"`
}

// OrchestratorConfig controls pipeline timeouts and retry policy.
type OrchestratorConfig struct {
	StageTimeouts map[string]Duration `toml:"stage_timeouts"`
	MaxRetries    int                 `toml:"max_retries" validate:"gte=0"`
	RetryBase     Duration            `toml:"retry_base"`
	GracePeriod   Duration            `toml:"grace_period"`
}

// GenerationConfig carries default scorer weights for node choice.
type GenerationConfig struct {
	DefaultWeights map[string]float64 `toml:"default_weights"`
}

// ValidatorConfig maps ruleset ids to their rules.
type ValidatorConfig struct {
	Rulesets map[string][]scoring.Rule `toml:"rulesets"`
}

// StorageConfig locates the persistent state directory.
type StorageConfig struct {
	Path string `toml:"path" validate:"required"`
}

// DiscoveryConfig controls local-network multicast discovery.
type DiscoveryConfig struct {
	Enabled          bool     `toml:"enabled"`
	MulticastGroup   string   `toml:"multicast_group"`
	AnnounceInterval Duration `toml:"announce_interval"`
}

// APIConfig sets listen addresses for the HTTP API and metrics endpoint.
type APIConfig struct {
	ListenAddr  string `toml:"listen_addr" validate:"required"`
	MetricsAddr string `toml:"metrics_addr"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `toml:"json"`
}

// Default returns the built-in configuration. Every field has a usable
// default so a missing config file is not an error.
func Default() *Config {
	return &Config{
		Peer: PeerConfig{
			Role: types.PeerRoleLocal,
		},
		Federation: FederationConfig{
			SyncPeriod:   Duration(60 * time.Second),
			PeerTTL:      Duration(5 * time.Minute),
			PeerGC:       Duration(5 * time.Minute),
			MaxPeers:     256,
			TombstoneTTL: Duration(7 * 24 * time.Hour),
		},
		Bus: BusConfig{
			HistorySize: 1000,
			InboxSize:   1024,
		},
		Orchestrator: OrchestratorConfig{
			StageTimeouts: map[string]Duration{
				types.AgentScanner: Duration(2 * time.Second),
				types.AgentScholar: Duration(5 * time.Second),
				types.AgentBuilder: Duration(10 * time.Second),
				types.AgentArbiter: Duration(2 * time.Second),
				types.AgentMirror:  Duration(3 * time.Second),
			},
			MaxRetries:  3,
			RetryBase:   Duration(200 * time.Millisecond),
			GracePeriod: Duration(500 * time.Millisecond),
		},
		Generation: GenerationConfig{
			DefaultWeights: map[string]float64{
				"relevance":    0.4,
				"language-fit": 0.3,
				"recency":      0.2,
				"popularity":   0.1,
			},
		},
		Validator: ValidatorConfig{
			Rulesets: map[string][]scoring.Rule{},
		},
		Storage: StorageConfig{
			Path: "store",
		},
		Discovery: DiscoveryConfig{
			Enabled:          false,
			MulticastGroup:   "239.77.77.77:7777",
			AnnounceInterval: Duration(30 * time.Second),
		},
		API: APIConfig{
			ListenAddr:  ":8420",
			MetricsAddr: "127.0.0.1:9421",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Override mutates a freshly loaded Config before validation. The CLI uses
// it to apply flags, which take precedence over both file and environment
// values.
type Override func(*Config)

// Load builds a Config from defaults, the TOML file at path (if present),
// ARK_* environment overrides, and finally any Override functions, then
// validates the result. A missing file is fine; an unreadable or invalid
// one is an error.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Peer.Role == types.PeerRoleEdge && c.Federation.HubURL == "" {
		return fmt.Errorf("invalid config: peer.role=edge requires federation.hub_url")
	}
	if _, err := c.Federation.PeerRecords(); err != nil {
		return err
	}
	if w := c.Generation.DefaultWeights; len(w) > 0 {
		if err := scoring.Weights(w).Validate(); err != nil {
			return fmt.Errorf("invalid config: generation.default_weights: %w", err)
		}
	}
	return nil
}

// applyEnv overrides scalar fields from ARK_<SECTION>_<KEY> variables.
// Override functions run after this, so CLI flags still win.
func (c *Config) applyEnv() {
	str := func(section, key string, target *string) {
		if v, ok := lookup(section, key); ok {
			*target = v
		}
	}
	dur := func(section, key string, target *Duration) {
		if v, ok := lookup(section, key); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = Duration(parsed)
			}
		}
	}
	num := func(section, key string, target *int) {
		if v, ok := lookup(section, key); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	boolean := func(section, key string, target *bool) {
		if v, ok := lookup(section, key); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}

	if v, ok := lookup("peer", "role"); ok {
		c.Peer.Role = types.PeerRole(v)
	}
	str("peer", "endpoint_url", &c.Peer.EndpointURL)
	str("peer", "display_name", &c.Peer.DisplayName)
	dur("federation", "sync_period", &c.Federation.SyncPeriod)
	dur("federation", "peer_ttl", &c.Federation.PeerTTL)
	dur("federation", "peer_gc", &c.Federation.PeerGC)
	num("federation", "max_peers", &c.Federation.MaxPeers)
	str("federation", "hub_url", &c.Federation.HubURL)
	dur("federation", "tombstone_ttl", &c.Federation.TombstoneTTL)
	num("bus", "history_size", &c.Bus.HistorySize)
	num("bus", "inbox_size", &c.Bus.InboxSize)
	num("orchestrator", "max_retries", &c.Orchestrator.MaxRetries)
	dur("orchestrator", "retry_base", &c.Orchestrator.RetryBase)
	dur("orchestrator", "grace_period", &c.Orchestrator.GracePeriod)
	str("storage", "path", &c.Storage.Path)
	boolean("discovery", "enabled", &c.Discovery.Enabled)
	str("discovery", "multicast_group", &c.Discovery.MulticastGroup)
	dur("discovery", "announce_interval", &c.Discovery.AnnounceInterval)
	str("api", "listen_addr", &c.API.ListenAddr)
	str("api", "metrics_addr", &c.API.MetricsAddr)
	str("log", "level", &c.Log.Level)
	boolean("log", "json", &c.Log.JSON)
}

func lookup(section, key string) (string, bool) {
	name := EnvPrefix + "_" + strings.ToUpper(section) + "_" + strings.ToUpper(key)
	v, ok := os.LookupEnv(name)
	return v, ok
}

// StageTimeout returns the configured timeout for an agent stage, or def
// when the stage has no entry.
func (c *Config) StageTimeout(stage string, def time.Duration) time.Duration {
	if d, ok := c.Orchestrator.StageTimeouts[stage]; ok {
		return d.D()
	}
	return def
}
