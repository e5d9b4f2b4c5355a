package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ddr4869/flowsim/common/logger"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FLOWSIM_"

type SimulationConfig struct {
	// Delay is the pause between two phases of a flow
	Delay         time.Duration `yaml:"delay"`
	ShowChaincode bool          `yaml:"showChaincode"`
	ShowLedger    bool          `yaml:"showLedger"`
	QueueSize     int           `yaml:"queueSize"`
	Failure       FailureConfig `yaml:"failure"`
}

// FailureConfig holds failure injection probabilities in [0, 1]
type FailureConfig struct {
	EndorsementMismatch float64 `yaml:"endorsementMismatch"`
	OrderingTimeout     float64 `yaml:"orderingTimeout"`
	Seed                int64   `yaml:"seed"`
}

// Enabled reports whether any failure can be injected
func (f FailureConfig) Enabled() bool {
	return f.EndorsementMismatch > 0 || f.OrderingTimeout > 0
}

type NetworkConfig struct {
	TopologyFile string `yaml:"topologyFile"`
}

type ServerConfig struct {
	HTTPAddress string `yaml:"httpAddress"`
	GRPCAddress string `yaml:"grpcAddress"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Config struct {
	Log        logger.Config    `yaml:"log"`
	Simulation SimulationConfig `yaml:"simulation"`
	Network    NetworkConfig    `yaml:"network"`
	Server     ServerConfig     `yaml:"server"`
	Kafka      KafkaConfig      `yaml:"kafka"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Log: *logger.DefaultConfig(),
		Simulation: SimulationConfig{
			Delay:         time.Second,
			ShowChaincode: true,
			ShowLedger:    true,
			QueueSize:     64,
		},
		Server: ServerConfig{
			HTTPAddress: "127.0.0.1:8080",
			GRPCAddress: "127.0.0.1:7060",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "flowsim.blocks",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, an optional .env file and FLOWSIM_* environment variables, in that
// order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file: %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file: %s", path)
		}
	}

	if err := loadEnvFile(); err != nil {
		return nil, errors.Wrap(err, "failed to load .env file")
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Log.Level = logger.LogLevel(getEnvOrDefault("LOG_LEVEL", string(c.Log.Level)))
	c.Log.Encoding = getEnvOrDefault("LOG_ENCODING", c.Log.Encoding)
	c.Log.Development = getEnvBoolOrDefault("LOG_DEVELOPMENT", c.Log.Development)

	if v := os.Getenv(envPrefix + "DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %sDELAY", envPrefix)
		}
		c.Simulation.Delay = d
	}
	if v := os.Getenv(envPrefix + "QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %sQUEUE_SIZE", envPrefix)
		}
		c.Simulation.QueueSize = n
	}
	c.Simulation.ShowChaincode = getEnvBoolOrDefault("SHOW_CHAINCODE", c.Simulation.ShowChaincode)
	c.Simulation.ShowLedger = getEnvBoolOrDefault("SHOW_LEDGER", c.Simulation.ShowLedger)

	c.Network.TopologyFile = getEnvOrDefault("TOPOLOGY_FILE", c.Network.TopologyFile)
	c.Server.HTTPAddress = getEnvOrDefault("HTTP_ADDRESS", c.Server.HTTPAddress)
	c.Server.GRPCAddress = getEnvOrDefault("GRPC_ADDRESS", c.Server.GRPCAddress)

	c.Kafka.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Topic = getEnvOrDefault("KAFKA_TOPIC", c.Kafka.Topic)
	if v := os.Getenv(envPrefix + "KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	return nil
}

// Validate rejects configurations the simulator cannot run with
func (c *Config) Validate() error {
	if c.Simulation.Delay < 0 {
		return errors.Errorf("simulation delay cannot be negative: %s", c.Simulation.Delay)
	}
	if c.Simulation.QueueSize <= 0 {
		return errors.Errorf("queue size must be positive: %d", c.Simulation.QueueSize)
	}
	for name, p := range map[string]float64{
		"endorsementMismatch": c.Simulation.Failure.EndorsementMismatch,
		"orderingTimeout":     c.Simulation.Failure.OrderingTimeout,
	} {
		if p < 0 || p > 1 {
			return errors.Errorf("failure probability %s must be within [0, 1]: %v", name, p)
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka is enabled but no brokers are configured")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka is enabled but no topic is configured")
		}
	}
	return nil
}

// loadEnvFile loads KEY=VALUE pairs from the first .env file found. Variables
// already present in the environment win.
func loadEnvFile() error {
	possiblePaths := []string{
		"config/.env",
		".env",
	}

	var envPath string
	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			envPath = path
			break
		}
	}
	if envPath == "" {
		return nil
	}

	file, err := os.Open(envPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open .env file: %s", envPath)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}

	return scanner.Err()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) Print() {
	logger.Infof("=== Configuration ===")
	logger.Infof(" > Log Level: %s", c.Log.Level)
	logger.Infof(" > Simulation Delay: %s", c.Simulation.Delay)
	logger.Infof(" > Show Chaincode Nodes: %t", c.Simulation.ShowChaincode)
	logger.Infof(" > Show Ledger Nodes: %t", c.Simulation.ShowLedger)
	logger.Infof(" > Queue Size: %d", c.Simulation.QueueSize)
	if c.Simulation.Failure.Enabled() {
		logger.Infof(" > Failure Injection: endorsement=%.2f ordering=%.2f",
			c.Simulation.Failure.EndorsementMismatch, c.Simulation.Failure.OrderingTimeout)
	}
	logger.Infof(" > Topology File: %s", c.Network.TopologyFile)
	logger.Infof(" > HTTP Address: %s", c.Server.HTTPAddress)
	logger.Infof(" > gRPC Address: %s", c.Server.GRPCAddress)
	logger.Infof(" > Kafka Enabled: %t", c.Kafka.Enabled)
	if c.Kafka.Enabled {
		logger.Infof(" > Kafka Brokers: %s", strings.Join(c.Kafka.Brokers, ","))
		logger.Infof(" > Kafka Topic: %s", c.Kafka.Topic)
	}
}
