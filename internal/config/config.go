package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/hmi-sync/pkg/logger"
)

// Config represents the complete configuration of hmi-sync.
type Config struct {
	Stream    StreamConfig    `yaml:"stream"`
	API       APIConfig       `yaml:"api"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StreamConfig holds the live telemetry channel settings.
// The session identifier is appended to BaseURL when connecting.
type StreamConfig struct {
	BaseURL          string        `yaml:"base_url" env:"STREAM_BASE_URL"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"STREAM_HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"STREAM_WRITE_TIMEOUT"`
	PingInterval     time.Duration `yaml:"ping_interval" env:"STREAM_PING_INTERVAL"`
	SendBufferSize   int           `yaml:"send_buffer_size" env:"STREAM_SEND_BUFFER_SIZE"`
}

// APIConfig holds the request/response API settings used for control commands.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url" env:"API_BASE_URL"`
	CommandPath string        `yaml:"command_path" env:"API_COMMAND_PATH"`
	Timeout     time.Duration `yaml:"timeout" env:"API_TIMEOUT"`
}

// ReconnectConfig holds the bounded retry policy.
type ReconnectConfig struct {
	Interval    time.Duration `yaml:"interval" env:"RECONNECT_INTERVAL"`
	MaxAttempts int           `yaml:"max_attempts" env:"RECONNECT_MAX_ATTEMPTS"`
}

// SimulatorConfig holds the telemetry simulator settings.
type SimulatorConfig struct {
	Address   string        `yaml:"address" env:"SIM_ADDRESS"`
	Tick      time.Duration `yaml:"tick" env:"SIM_TICK"`
	Store     string        `yaml:"store" env:"SIM_STORE"` // memory, redis
	RedisAddr string        `yaml:"redis_addr" env:"SIM_REDIS_ADDR"`
	RedisDB   int           `yaml:"redis_db" env:"SIM_REDIS_DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"SIM_KEY_PREFIX"`
}

// MetricsConfig holds the Prometheus endpoint settings. Empty address disables it.
type MetricsConfig struct {
	Address string `yaml:"address" env:"METRICS_ADDRESS"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"LOG_MAX_AGE"`
}

// LoggerConfig converts the logging section for pkg/logger.
func (c LoggingConfig) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			BaseURL:          "ws://localhost:8080/ws/",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			PingInterval:     30 * time.Second,
			SendBufferSize:   64,
		},
		API: APIConfig{
			BaseURL:     "http://localhost:8080",
			CommandPath: "/api/v1/control",
			Timeout:     10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Interval:    5 * time.Second,
			MaxAttempts: 10,
		},
		Simulator: SimulatorConfig{
			Address:   ":8080",
			Tick:      time.Second,
			Store:     "memory",
			RedisAddr: "localhost:6379",
			KeyPrefix: "hmi:point:",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "HMI_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix prepended to every env tag.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets dot-notation overrides, e.g. "reconnect.max_attempts" -> "3".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(l.envPrefix + envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", l.envPrefix+envTag, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by its yaml dot path.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}
