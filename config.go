package questdb

import (
	"io/ioutil"
	"log"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type ServerConfig struct {
	Listen            string `yaml:"listen" toml:"listen"`
	Backlog           int    `yaml:"backlog" toml:"backlog"`
	EventCapacity     int    `yaml:"event_capacity" toml:"event_capacity"`
	IdleTimeoutMs     int64  `yaml:"idle_timeout_ms" toml:"idle_timeout_ms"`
	Bias              string `yaml:"bias" toml:"bias"`
	AcceptBurst       int    `yaml:"accept_burst" toml:"accept_burst"`
	WaitTimeoutUs     int64  `yaml:"wait_timeout_us" toml:"wait_timeout_us"`
	InterestQueueSize int    `yaml:"interest_queue_size" toml:"interest_queue_size"`
	EventQueueSize    int    `yaml:"event_queue_size" toml:"event_queue_size"`
	Workers           int    `yaml:"workers" toml:"workers"`
	AuthTimeoutMs     int64  `yaml:"auth_timeout_ms" toml:"auth_timeout_ms"`
}

type Config struct {
	Global Global            `yaml:"global" toml:"global"`
	Server ServerConfig      `yaml:"server" toml:"server"`
	Users  map[string]string `yaml:"users" toml:"users"`
}

func LoadConfig(filePath string) *Config {
	file, err := ioutil.ReadFile(filePath)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	config := &Config{}
	if strings.HasSuffix(filePath, ".toml") {
		err = toml.Unmarshal(file, config)
	} else if strings.HasSuffix(filePath, ".yaml") {
		err = yaml.Unmarshal(file, config)
	}
	if err != nil {
		log.Fatalf("%+v", err)
	}
	validateConfig(config)
	return config
}

func validateConfig(config *Config) {
	if config.Server.Listen == "" {
		config.Server.Listen = "127.0.0.1:9000"
	}
	if config.Server.Backlog <= 0 {
		config.Server.Backlog = 128
	}
	if config.Server.Workers <= 0 {
		config.Server.Workers = 4
	}
}

// DispatcherConfig maps the file-level server section onto the runtime
// configuration, minus the pieces only the caller can supply (listener fd,
// backend, clock).
func (c *Config) DispatcherConfig(listenerFd int) DispatcherConfig {
	bias := OpRead
	if strings.EqualFold(c.Server.Bias, "write") {
		bias = OpWrite
	}
	return DispatcherConfig{
		ListenerFd:        listenerFd,
		EventCapacity:     c.Server.EventCapacity,
		IdleTimeout:       time.Duration(c.Server.IdleTimeoutMs) * time.Millisecond,
		Bias:              bias,
		AcceptBurst:       c.Server.AcceptBurst,
		WaitTimeout:       time.Duration(c.Server.WaitTimeoutUs) * time.Microsecond,
		InterestQueueSize: c.Server.InterestQueueSize,
		EventQueueSize:    c.Server.EventQueueSize,
	}
}
