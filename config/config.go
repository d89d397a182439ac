// Package config loads PeerConnect's runtime constants from a YAML document,
// following the shape of shurlinet/shurli's internal/config package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in spec.md §5–§6. Zero values are never
// valid; Default() must be used as the base before overlaying a file.
type Config struct {
	Network   Network   `yaml:"network"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Limits    Limits    `yaml:"limits"`
	Gossip    Gossip    `yaml:"gossip"`
	Transfers Transfers `yaml:"transfers"`
}

type Network struct {
	RequestPort  uint16 `yaml:"request_port"`
	MulticastV4  string `yaml:"multicast_v4"`
	MulticastV6  string `yaml:"multicast_v6"`
	DiscoverPort uint16 `yaml:"discover_port"`
}

type Timeouts struct {
	Server               time.Duration `yaml:"server"`
	MaxIdleConn          time.Duration `yaml:"max_idle_conn"`
	Ping                 time.Duration `yaml:"ping"`
	PingCheckWindow      time.Duration `yaml:"ping_check_window"`
	Discover             time.Duration `yaml:"discover"`
	MsgRecv              time.Duration `yaml:"msg_recv"`
	DefaultTransfer      time.Duration `yaml:"default_transfer"`
	MsgProcessingTaskCap time.Duration `yaml:"msg_processing_task_cap"`
}

type Limits struct {
	MaxConnectionsBetweenPeers int `yaml:"max_connections_between_peers"`
	MaxTotalConnections        int `yaml:"max_total_connections"`
	DiscoverRetries            int `yaml:"discover_retries"`
	MsgPatienceThreshold       int `yaml:"msg_patience_threshold"`
}

type Gossip struct {
	SeenTTL   time.Duration `yaml:"seen_ttl"`
	GlobalTTL time.Duration `yaml:"global_ttl"`
	Alpha     int           `yaml:"alpha"`
}

type Transfers struct {
	ChunkSize         int           `yaml:"chunk_size"`
	BigChunkSize      int64         `yaml:"big_chunk_size"`
	StatusUpdateFreq  time.Duration `yaml:"status_update_freq"`
	DownloadDir       string        `yaml:"download_dir"`
	PartSuffix        string        `yaml:"part_suffix"`
}

// Default returns the built-in defaults named throughout spec.md.
func Default() *Config {
	return &Config{
		Network: Network{
			RequestPort:  35896,
			MulticastV4:  "239.255.42.99:35897",
			MulticastV6:  "[ff02::9a]:35897",
			DiscoverPort: 35898,
		},
		Timeouts: Timeouts{
			Server:               5 * time.Second,
			MaxIdleConn:          5 * time.Minute,
			Ping:                 3 * time.Second,
			PingCheckWindow:      10 * time.Second,
			Discover:             2 * time.Second,
			MsgRecv:              30 * time.Second,
			DefaultTransfer:      10 * time.Second,
			MsgProcessingTaskCap: 2 * time.Second,
		},
		Limits: Limits{
			MaxConnectionsBetweenPeers: 4,
			MaxTotalConnections:        256,
			DiscoverRetries:            5,
			MsgPatienceThreshold:       10,
		},
		Gossip: Gossip{
			SeenTTL:   60 * time.Second,
			GlobalTTL: 30 * time.Second,
			Alpha:     3,
		},
		Transfers: Transfers{
			ChunkSize:        64 * 1024,
			BigChunkSize:     30 << 20,
			StatusUpdateFreq: 250 * time.Millisecond,
			DownloadDir:      "Downloads/PeerConnect",
			PartSuffix:       ".part",
		},
	}
}

// Load reads a YAML file and overlays it onto Default(). A missing file is
// not an error: it simply returns the defaults, matching the "persisted
// state is out of scope" boundary in spec.md §6.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
