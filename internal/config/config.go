// Package config loads the YAML run configuration. The TUSHARE_TOKEN
// environment variable overrides the file's token so credentials can stay
// out of checked-in configs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	TushareToken string                `yaml:"tushare_token"`
	APIURL       string                `yaml:"api_url"`
	Database     DatabaseConfig        `yaml:"database"`
	Downloader   DownloaderConfig      `yaml:"downloader"`
	Consumer     ConsumerConfig        `yaml:"consumer"`
	DeadLetter   DeadLetterConfig      `yaml:"dead_letter"`
	RateLimits   map[string]RateRule   `yaml:"rate_limits"`
	Tasks        map[string]TaskConfig `yaml:"tasks"`
	Groups       map[string]Group      `yaml:"groups"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type DownloaderConfig struct {
	MaxProducers      int        `yaml:"max_producers"`
	MaxConsumers      int        `yaml:"max_consumers"`
	ProducerQueueSize int        `yaml:"producer_queue_size"`
	DataQueueSize     int        `yaml:"data_queue_size"`
	Symbols           SymbolList `yaml:"symbols"`
}

type ConsumerConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

type DeadLetterConfig struct {
	Path string `yaml:"path"`
}

type RateRule struct {
	Calls  int           `yaml:"calls"`
	Period time.Duration `yaml:"period"`
}

type TaskConfig struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	Enabled       bool   `yaml:"enabled"`
	Adjust        string `yaml:"adjust"`
	StatementType string `yaml:"statement_type"`
	StartDate     string `yaml:"start_date"`
	EndDate       string `yaml:"end_date"`
}

type Group struct {
	Description string     `yaml:"description"`
	Symbols     SymbolList `yaml:"symbols"`
	Tasks       []string   `yaml:"tasks"`
}

// SymbolList accepts either the string "all" or a YAML sequence of symbols.
type SymbolList struct {
	All  bool
	List []string
}

func (s *SymbolList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		if v != "all" {
			return fmt.Errorf("symbols must be a list or the string \"all\", got %q", v)
		}
		s.All = true
		return nil
	}
	return node.Decode(&s.List)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if token := os.Getenv("TUSHARE_TOKEN"); token != "" {
		cfg.TushareToken = token
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "data/stock.db"
	}
	if c.DeadLetter.Path == "" {
		c.DeadLetter.Path = "logs/dead_letter.jsonl"
	}
	if c.Downloader.MaxProducers <= 0 {
		c.Downloader.MaxProducers = 4
	}
	if c.Downloader.MaxConsumers <= 0 {
		c.Downloader.MaxConsumers = 2
	}
	if c.Downloader.ProducerQueueSize <= 0 {
		c.Downloader.ProducerQueueSize = 1000
	}
	if c.Downloader.DataQueueSize <= 0 {
		c.Downloader.DataQueueSize = 500
	}
	if c.Consumer.BatchSize <= 0 {
		c.Consumer.BatchSize = 100
	}
	if c.Consumer.FlushInterval <= 0 {
		c.Consumer.FlushInterval = 30 * time.Second
	}
	if c.Consumer.MaxRetries <= 0 {
		c.Consumer.MaxRetries = 3
	}
}

// Group returns the named group, or an error naming the known groups.
func (c *Config) Group(name string) (Group, error) {
	g, ok := c.Groups[name]
	if !ok {
		known := make([]string, 0, len(c.Groups))
		for k := range c.Groups {
			known = append(known, k)
		}
		return Group{}, fmt.Errorf("unknown group %q (configured: %v)", name, known)
	}
	return g, nil
}
