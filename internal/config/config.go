// Package config binds the broker's flat process settings from the
// environment and its hierarchical queue/interface/http tree from an
// optional config file, mirroring how the teacher split "container knobs"
// (env vars) from "topology" (a config tree) across its variants.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Process holds flat, per-process settings: the kind of thing an operator
// sets once per container/VM rather than per logical queue.
type Process struct {
	Bind  string `env:"SCMASTER_BIND" envDefault:":18180"`
	SBind string `env:"SCMASTER_SBIND" envDefault:""`

	CPULimit    float64 `env:"SCMASTER_CPU_LIMIT" envDefault:"2.0"`
	MemoryLimit int64   `env:"SCMASTER_MEMORY_LIMIT" envDefault:"1073741824"`

	MaxGoroutines      int     `env:"SCMASTER_MAX_GOROUTINES" envDefault:"20000"`
	CPURejectThreshold float64 `env:"SCMASTER_CPU_REJECT_THRESHOLD" envDefault:"80.0"`
	CPUPauseThreshold  float64 `env:"SCMASTER_CPU_PAUSE_THRESHOLD" envDefault:"90.0"`

	MetricsAddr     string        `env:"SCMASTER_METRICS_ADDR" envDefault:":9180"`
	MetricsInterval time.Duration `env:"SCMASTER_METRICS_INTERVAL" envDefault:"10s"`

	LogLevel  string `env:"SCMASTER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SCMASTER_LOG_FORMAT" envDefault:"json"`

	ConfigFile string `env:"SCMASTER_CONFIG_FILE" envDefault:"scmaster.yaml"`
}

// LoadProcess reads flat settings from .env + the real environment.
func LoadProcess() (*Process, error) {
	_ = godotenv.Load()

	cfg := &Process{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse process config: %w", err)
	}
	if cfg.CPUPauseThreshold < cfg.CPURejectThreshold {
		return nil, fmt.Errorf("SCMASTER_CPU_PAUSE_THRESHOLD must be >= SCMASTER_CPU_REJECT_THRESHOLD")
	}
	return cfg, nil
}

// DBStoreConfig names the relational backend a dbstore processor writes to.
type DBStoreConfig struct {
	Driver     string            `mapstructure:"driver"`
	Parameters map[string]string `mapstructure:"parameters"`
}

// QueueConfig is one entry of the `queues.*` tree from spec.md §6.
type QueueConfig struct {
	Name              string        `mapstructure:"name"`
	Groups            []string      `mapstructure:"groups"`
	ACLAllow          []string      `mapstructure:"acl_allow"`
	ACLDeny           []string      `mapstructure:"acl_deny"`
	MaxPayloadSize    int           `mapstructure:"max_payload_size"`
	MessageProcessors []string      `mapstructure:"message_processors"`
	DBStore           DBStoreConfig `mapstructure:"dbstore"`
	RetentionMessages int           `mapstructure:"retention_messages"`
	BacklogBytes      int           `mapstructure:"backlog_bytes"`
	BacklogMessages   int           `mapstructure:"backlog_messages"`
}

// SSLConfig is `interface.ssl.*`.
type SSLConfig struct {
	Bind             string   `mapstructure:"bind"`
	ACLAllow         []string `mapstructure:"acl_allow"`
	ACLDeny          []string `mapstructure:"acl_deny"`
	Key              string   `mapstructure:"key"`
	Certificate      string   `mapstructure:"certificate"`
	VerifyPeer       bool     `mapstructure:"verify_peer"`
	SocketPortReuse  bool     `mapstructure:"socket_port_reuse"`
	AcceptSelfSigned bool     `mapstructure:"accept_self_signed"`
}

// InterfaceConfig is `interface.*`.
type InterfaceConfig struct {
	Bind             string   `mapstructure:"bind"`
	ACLAllow         []string `mapstructure:"acl_allow"`
	ACLDeny          []string `mapstructure:"acl_deny"`
	SocketPortReuse  bool     `mapstructure:"socket_port_reuse"`
	SSL              SSLConfig `mapstructure:"ssl"`
}

// HTTPConfig is `http.*`.
type HTTPConfig struct {
	Filebase   string `mapstructure:"filebase"`
	StaticPath string `mapstructure:"static_path"`
	BrokerPath string `mapstructure:"broker_path"`
	DBPath     string `mapstructure:"db_path"`
}

// KafkaConfig names the cluster a "kafka" message_processors entry
// mirrors admitted messages into.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// NATSConfig names the server a "nats" message_processors entry
// mirrors admitted messages into.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Topology is the hierarchical tree: default groups, per-queue config,
// listener ACLs, and the HTTP surface that routes to them.
type Topology struct {
	DefaultGroups []string        `mapstructure:"default_groups"`
	Queues        []QueueConfig   `mapstructure:"queues"`
	Interface     InterfaceConfig `mapstructure:"interface"`
	HTTP          HTTPConfig      `mapstructure:"http"`
	JWTSecret     string          `mapstructure:"jwt_secret"`
	Kafka         KafkaConfig     `mapstructure:"kafka"`
	NATS          NATSConfig      `mapstructure:"nats"`
}

// LoadTopology reads the queue/interface/http tree from configFile (YAML or
// JSON, auto-detected by viper) layered under SCMASTER_* env overrides. A
// missing file is not an error: defaults produce a single "PRODUCTION" queue.
func LoadTopology(configFile string) (*Topology, error) {
	v := viper.New()

	v.SetDefault("default_groups", []string{"PICK", "AMPLITUDE", "MAGNITUDE", "EVENT", "LOCATION", "CONFIG"})
	v.SetDefault("queues", []map[string]any{
		{"name": "PRODUCTION", "max_payload_size": 1 << 20},
	})
	v.SetDefault("interface.bind", "0.0.0.0:18180")
	v.SetDefault("http.broker_path", "/production")
	v.SetDefault("http.db_path", "/db")

	v.SetEnvPrefix("SCMASTER")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("scmaster")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	// A topology file is optional: defaults alone produce a single
	// PRODUCTION queue carrying the default groups.
	_ = v.ReadInConfig()

	var t Topology
	if err := v.Unmarshal(&t); err != nil {
		return nil, fmt.Errorf("unmarshal topology config: %w", err)
	}

	for i := range t.Queues {
		if t.Queues[i].MaxPayloadSize <= 0 {
			t.Queues[i].MaxPayloadSize = 1 << 20
		}
		if len(t.Queues[i].Groups) == 0 {
			t.Queues[i].Groups = t.DefaultGroups
		}
		if t.Queues[i].BacklogBytes <= 0 {
			t.Queues[i].BacklogBytes = 1 << 20
		}
		if t.Queues[i].BacklogMessages <= 0 {
			t.Queues[i].BacklogMessages = 10000
		}
		if t.Queues[i].RetentionMessages <= 0 {
			t.Queues[i].RetentionMessages = 1000
		}
	}

	return &t, nil
}
