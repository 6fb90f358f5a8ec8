package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	TCPServer TCPServerConfig `yaml:"tcp_server"`
	HTTP      HTTPConfig      `yaml:"http"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
	SMTP      SMTPConfig      `yaml:"smtp"`
}

// DatabaseConfig selects the store driver. Driver is "postgres" or "sqlite";
// Path is only used by sqlite.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	DBName        string `yaml:"dbname"`
	SSLMode       string `yaml:"sslmode"`
	Path          string `yaml:"path"`
	MigrationsDir string `yaml:"migrations_dir"`
}

func (d DatabaseConfig) ConnectionString() string {
	if d.Driver == DriverSQLite {
		return d.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	TopicReadings string   `yaml:"topic_readings"`
	TopicAlerts   string   `yaml:"topic_alerts"`
	NumPartitions int      `yaml:"num_partitions"`
}

type TCPServerConfig struct {
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	Workers           int           `yaml:"workers"`
	JobQueueSize      int           `yaml:"job_queue_size"`
	IdentifyTimeout   time.Duration `yaml:"identify_timeout"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	VerifySensors     bool          `yaml:"verify_sensors"`
}

type HTTPConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

// MQTTConfig is optional; the feed is disabled when Broker is empty.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
}

// NotifyConfig controls change propagation. Source is "postgres", "redis" or "none".
type NotifyConfig struct {
	Source         string        `yaml:"source"`
	CoalesceWindow time.Duration `yaml:"coalesce_window"`
	RedisChannel   string        `yaml:"redis_channel"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Service string `yaml:"service"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`

	// Repeated alert mail for one sensor and severity is held back this long.
	Cooldown time.Duration `yaml:"cooldown"`
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.overlayFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:        DriverPostgres,
			Host:          "localhost",
			Port:          5432,
			User:          "implant_user",
			Password:      "implant_pass",
			DBName:        "implant_db",
			SSLMode:       "disable",
			Path:          "implant.db",
			MigrationsDir: "migrations",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			TopicReadings: "implant.readings.raw",
			TopicAlerts:   "implant.alerts",
			NumPartitions: 10,
		},
		TCPServer: TCPServerConfig{
			Port:              8080,
			MaxConnections:    10000,
			Workers:           0,
			JobQueueSize:      256,
			IdentifyTimeout:   10 * time.Second,
			InactivityTimeout: 2 * time.Minute,
		},
		HTTP: HTTPConfig{
			Port: 8000,
			Mode: "release",
		},
		MQTT: MQTTConfig{
			ClientID: "implant-monitor",
			Topic:    "prosthesis/+/readings",
			QoS:      1,
		},
		Notify: NotifyConfig{
			Source:         "postgres",
			CoalesceWindow: 250 * time.Millisecond,
			RedisChannel:   "implant.changes",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		SMTP: SMTPConfig{
			Host:     "smtp.gmail.com",
			Port:     587,
			From:     "implant-monitor@example.com",
			To:       "clinic@example.com",
			Cooldown: 15 * time.Minute,
		},
	}
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.Path = getEnv("DB_PATH", c.Database.Path)
	c.Database.MigrationsDir = getEnv("DB_MIGRATIONS_DIR", c.Database.MigrationsDir)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	c.Kafka.TopicReadings = getEnv("KAFKA_TOPIC_READINGS", c.Kafka.TopicReadings)
	c.Kafka.TopicAlerts = getEnv("KAFKA_TOPIC_ALERTS", c.Kafka.TopicAlerts)
	c.Kafka.NumPartitions = getEnvAsInt("KAFKA_NUM_PARTITIONS", c.Kafka.NumPartitions)

	c.TCPServer.Port = getEnvAsInt("TCP_PORT", c.TCPServer.Port)
	c.TCPServer.MaxConnections = getEnvAsInt("TCP_MAX_CONNECTIONS", c.TCPServer.MaxConnections)
	c.TCPServer.Workers = getEnvAsInt("TCP_WORKERS", c.TCPServer.Workers)
	c.TCPServer.JobQueueSize = getEnvAsInt("TCP_JOB_QUEUE_SIZE", c.TCPServer.JobQueueSize)
	c.TCPServer.IdentifyTimeout = getEnvAsDuration("TCP_IDENTIFY_TIMEOUT", c.TCPServer.IdentifyTimeout)
	c.TCPServer.InactivityTimeout = getEnvAsDuration("TCP_INACTIVITY_TIMEOUT", c.TCPServer.InactivityTimeout)
	c.TCPServer.VerifySensors = getEnvAsBool("TCP_VERIFY_SENSORS", c.TCPServer.VerifySensors)

	c.HTTP.Port = getEnvAsInt("HTTP_PORT", c.HTTP.Port)
	c.HTTP.Mode = getEnv("HTTP_MODE", c.HTTP.Mode)

	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.Topic = getEnv("MQTT_TOPIC", c.MQTT.Topic)
	c.MQTT.QoS = getEnvAsInt("MQTT_QOS", c.MQTT.QoS)

	c.Notify.Source = getEnv("NOTIFY_SOURCE", c.Notify.Source)
	c.Notify.CoalesceWindow = getEnvAsDuration("NOTIFY_COALESCE_WINDOW", c.Notify.CoalesceWindow)
	c.Notify.RedisChannel = getEnv("NOTIFY_REDIS_CHANNEL", c.Notify.RedisChannel)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Service = getEnv("LOG_SERVICE", c.Log.Service)

	c.SMTP.Host = getEnv("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getEnvAsInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = getEnv("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getEnv("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = getEnv("SMTP_FROM", c.SMTP.From)
	c.SMTP.To = getEnv("SMTP_TO", c.SMTP.To)
	c.SMTP.Cooldown = getEnvAsDuration("SMTP_COOLDOWN", c.SMTP.Cooldown)
}

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		return fmt.Errorf("sqlite driver requires DB_PATH")
	}
	if len(c.Kafka.Brokers) == 0 || c.Kafka.Brokers[0] == "" {
		return fmt.Errorf("at least one kafka broker is required")
	}
	switch c.Notify.Source {
	case "postgres", "redis", "none":
	default:
		return fmt.Errorf("unsupported notify source %q", c.Notify.Source)
	}
	if c.Notify.Source == "postgres" && c.Database.Driver != DriverPostgres {
		return fmt.Errorf("notify source postgres requires the postgres driver")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
