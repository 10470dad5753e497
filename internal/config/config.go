package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Sources    []string         `json:"sources" yaml:"sources"`
	Schema     SchemaConfig     `json:"schema" yaml:"schema"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`
	Reconcile  ReconcileConfig  `json:"reconcile" yaml:"reconcile"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	API        APIConfig        `json:"api" yaml:"api"`
	History    HistoryConfig    `json:"history" yaml:"history"`
}

type SchemaConfig struct {
	Metrics []string        `json:"metrics" yaml:"metrics"`
	Derived []DerivedMetric `json:"derived" yaml:"derived"`
}

type DerivedMetric struct {
	Name string   `json:"name" yaml:"name"`
	Sum  []string `json:"sum" yaml:"sum"`
}

type TelemetryConfig struct {
	Transport     string        `json:"transport" yaml:"transport"`
	SourceField   string        `json:"source_field" yaml:"source_field"`
	DefaultSource string        `json:"default_source" yaml:"default_source"`
	Backoff       BackoffConfig `json:"backoff" yaml:"backoff"`
	MQTT          MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type BackoffConfig struct {
	Initial    time.Duration `json:"initial" yaml:"initial"`
	Max        time.Duration `json:"max" yaml:"max"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
}

type MQTTConfig struct {
	BrokerURL      string        `json:"broker_url" yaml:"broker_url"`
	Topic          string        `json:"topic" yaml:"topic"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	QoS            int           `json:"qos" yaml:"qos"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	KeepAlive      time.Duration `json:"keep_alive" yaml:"keep_alive"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type SchedulerConfig struct {
	Interval   time.Duration `json:"interval" yaml:"interval"`
	Align      bool          `json:"align" yaml:"align"`
	RunTimeout time.Duration `json:"run_timeout" yaml:"run_timeout"`
	Warmup     bool          `json:"warmup" yaml:"warmup"`
}

type AggregatorConfig struct {
	PageSize    int           `json:"page_size" yaml:"page_size"`
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

type ReconcileConfig struct {
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Addr        string  `json:"addr" yaml:"addr"`
	ManualRate  float64 `json:"manual_rate" yaml:"manual_rate"`
	ManualBurst int     `json:"manual_burst" yaml:"manual_burst"`
}

type HistoryConfig struct {
	Limit int `json:"limit" yaml:"limit"`
}

var defaultMetrics = []string{
	"motorcycle_down",
	"motorcycle_up",
	"car_down",
	"car_up",
	"big_vehicle_down",
	"big_vehicle_up",
}

func defaultDerived() []DerivedMetric {
	return []DerivedMetric{
		{Name: "big_vehicle_down", Sum: []string{"truck_down", "bus_down"}},
		{Name: "big_vehicle_up", Sum: []string{"truck_up", "bus_up"}},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Sources:   []string{"A", "B", "C"},
		Schema: SchemaConfig{
			Metrics: append([]string(nil), defaultMetrics...),
			Derived: defaultDerived(),
		},
		Telemetry: TelemetryConfig{
			Transport:   "mqtt",
			SourceField: "billboard_name",
			Backoff:     BackoffConfig{Initial: 5 * time.Second, Max: time.Minute, Multiplier: 2},
			MQTT: MQTTConfig{
				BrokerURL:      "tcp://localhost:1883",
				Topic:          "vehicle/interactions",
				ClientID:       "tallysync",
				QoS:            0,
				ConnectTimeout: 10 * time.Second,
				KeepAlive:      30 * time.Second,
			},
			Kafka: KafkaConfig{GroupID: "tallysync"},
		},
		Scheduler: SchedulerConfig{
			Interval:   2 * time.Minute,
			Align:      true,
			RunTimeout: 30 * time.Second,
			Warmup:     true,
		},
		Aggregator: AggregatorConfig{PageSize: 100000, ReadTimeout: 10 * time.Second},
		Reconcile:  ReconcileConfig{WriteTimeout: 10 * time.Second},
		Storage:    StorageConfig{Driver: "sqlite", DSN: "file:tallysync.db?_pragma=busy_timeout(5000)"},
		API:        APIConfig{Enabled: true, Addr: ":8081", ManualRate: 1, ManualBurst: 5},
		History:    HistoryConfig{Limit: 500},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Defaults() (*Config, error) {
	cfg := DefaultConfig()
	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// applyEnv honours the variable names the sensor deployments already export.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("MQTT_BROKER_URL")); v != "" {
		cfg.Telemetry.MQTT.BrokerURL = v
	}
	if v := strings.TrimSpace(getenv("MQTT_TOPIC")); v != "" {
		cfg.Telemetry.MQTT.Topic = v
	}
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" {
		cfg.Storage.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if len(cfg.Schema.Metrics) == 0 {
		cfg.Schema.Metrics = append([]string(nil), defaultMetrics...)
	}
	if cfg.Telemetry.Transport == "" {
		cfg.Telemetry.Transport = "mqtt"
	}
	if cfg.Telemetry.Backoff.Initial <= 0 {
		cfg.Telemetry.Backoff.Initial = 5 * time.Second
	}
	if cfg.Telemetry.Backoff.Max < cfg.Telemetry.Backoff.Initial {
		cfg.Telemetry.Backoff.Max = cfg.Telemetry.Backoff.Initial
	}
	if cfg.Telemetry.Backoff.Multiplier < 1 {
		cfg.Telemetry.Backoff.Multiplier = 1
	}
	if cfg.Telemetry.MQTT.ConnectTimeout <= 0 {
		cfg.Telemetry.MQTT.ConnectTimeout = 10 * time.Second
	}
	if cfg.Telemetry.MQTT.ClientID == "" {
		cfg.Telemetry.MQTT.ClientID = "tallysync"
	}
	if cfg.Telemetry.Kafka.GroupID == "" {
		cfg.Telemetry.Kafka.GroupID = "tallysync"
	}
	if len(cfg.Sources) == 1 && cfg.Telemetry.DefaultSource == "" {
		cfg.Telemetry.DefaultSource = cfg.Sources[0]
	}
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler.Interval = 2 * time.Minute
	}
	if cfg.Scheduler.RunTimeout <= 0 {
		cfg.Scheduler.RunTimeout = 30 * time.Second
	}
	if cfg.Aggregator.PageSize <= 0 {
		cfg.Aggregator.PageSize = 100000
	}
	if cfg.Aggregator.ReadTimeout <= 0 {
		cfg.Aggregator.ReadTimeout = 10 * time.Second
	}
	if cfg.Reconcile.WriteTimeout <= 0 {
		cfg.Reconcile.WriteTimeout = 10 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.API.ManualBurst <= 0 {
		cfg.API.ManualBurst = 5
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = 500
	}
}

func Validate(cfg *Config) error {
	if len(cfg.Sources) == 0 {
		return errors.New("sources must list at least one source")
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if strings.TrimSpace(s) == "" {
			return errors.New("sources contains an empty name")
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("sources contains duplicate %q", s)
		}
		seen[s] = struct{}{}
	}
	if cfg.Telemetry.DefaultSource != "" {
		if _, ok := seen[cfg.Telemetry.DefaultSource]; !ok {
			return fmt.Errorf("telemetry.default_source %q is not a configured source", cfg.Telemetry.DefaultSource)
		}
	}
	metrics := make(map[string]struct{}, len(cfg.Schema.Metrics))
	for _, m := range cfg.Schema.Metrics {
		if strings.TrimSpace(m) == "" {
			return errors.New("schema.metrics contains an empty name")
		}
		if _, dup := metrics[m]; dup {
			return fmt.Errorf("schema.metrics contains duplicate %q", m)
		}
		metrics[m] = struct{}{}
	}
	for _, d := range cfg.Schema.Derived {
		if d.Name == "" || len(d.Sum) == 0 {
			return errors.New("schema.derived entries require name and sum")
		}
	}
	switch strings.ToLower(cfg.Telemetry.Transport) {
	case "mqtt":
		if cfg.Telemetry.MQTT.BrokerURL == "" || cfg.Telemetry.MQTT.Topic == "" {
			return errors.New("telemetry.mqtt requires broker_url and topic")
		}
		if cfg.Telemetry.MQTT.QoS < 0 || cfg.Telemetry.MQTT.QoS > 2 {
			return fmt.Errorf("telemetry.mqtt.qos must be 0, 1 or 2: %d", cfg.Telemetry.MQTT.QoS)
		}
	case "kafka":
		if len(cfg.Telemetry.Kafka.Brokers) == 0 || cfg.Telemetry.Kafka.Topic == "" || cfg.Telemetry.Kafka.GroupID == "" {
			return errors.New("telemetry.kafka requires brokers, topic, group_id")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported telemetry.transport %q", cfg.Telemetry.Transport)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.API.ManualRate < 0 {
		return errors.New("api.manual_rate must be >= 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

func (c *Config) SourceList() []string {
	return append([]string(nil), c.Sources...)
}
