// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the server configuration.
type Config interface {
	GetName() string
	GetConfig() string
	GetShutdownGraceSec() int
	GetLogger() *LoggerConfig
	GetSocket() *SocketConfig
	GetSession() *SessionConfig
	GetPresence() *PresenceConfig
	GetRoom() *RoomConfig
	GetDatabase() *DatabaseConfig
	GetMetrics() *MetricsConfig

	Clone() (Config, error)
}

// ParseArgs loads the configuration from the defaults, any --config YAML files, and finally command line flags.
func ParseArgs(logger *zap.Logger, args []string) Config {
	// Parse args to get path to a config file if passed in.
	configFilePath := NewConfig(logger)
	configFileFlagSet := flag.NewFlagSet("studyhall", flag.ContinueOnError)
	configFileFlagSet.SetOutput(devNull{})
	configFileFlagSet.StringVar(&configFilePath.Config, "config", "", "The absolute file path to configuration YAML file.")
	configFileFlagSet.Parse(filterConfigArgs(args[1:]))

	mainConfig := NewConfig(logger)
	if configFilePath.Config != "" {
		for _, cfg := range strings.Split(configFilePath.Config, ",") {
			data, err := os.ReadFile(cfg)
			if err != nil {
				logger.Fatal("Could not read config file", zap.String("path", cfg), zap.Error(err))
			}
			if err := yaml.Unmarshal(data, mainConfig); err != nil {
				logger.Fatal("Could not parse config file", zap.String("path", cfg), zap.Error(err))
			}
		}
		mainConfig.Config = configFilePath.Config
	}

	// Override config with those passed from command-line.
	mainFlagSet := flag.NewFlagSet("studyhall", flag.ExitOnError)
	mainFlagSet.String("config", "", "The absolute file path to configuration YAML file.")
	registerConfigFlags(mainFlagSet, "", reflect.ValueOf(mainConfig).Elem())
	if err := mainFlagSet.Parse(args[1:]); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	return mainConfig
}

// CheckConfig validates the configuration, exiting on values that cannot be worked with.
func CheckConfig(logger *zap.Logger, config Config) map[string]string {
	if config.GetName() == "" {
		logger.Fatal("Name must be set", zap.String("param", "name"))
	}
	if config.GetShutdownGraceSec() < 0 {
		logger.Fatal("Shutdown grace period must be >= 0", zap.Int("shutdown_grace_sec", config.GetShutdownGraceSec()))
	}
	if config.GetSocket().Port < 1 {
		logger.Fatal("Socket port must be >= 1", zap.Int("socket.port", config.GetSocket().Port))
	}
	if config.GetSocket().PingPeriodMs >= config.GetSocket().PongWaitMs {
		logger.Fatal("Ping period value must be less than pong wait value", zap.Int("socket.ping_period_ms", config.GetSocket().PingPeriodMs), zap.Int("socket.pong_wait_ms", config.GetSocket().PongWaitMs))
	}
	if config.GetSocket().OutgoingQueueSize < 1 {
		logger.Fatal("Socket outgoing queue size must be >= 1", zap.Int("socket.outgoing_queue_size", config.GetSocket().OutgoingQueueSize))
	}
	if config.GetSession().EncryptionKey == "" {
		logger.Fatal("Session encryption key must be set", zap.String("param", "session.encryption_key"))
	}
	if config.GetPresence().GracePeriodMs < 0 {
		logger.Fatal("Presence grace period must be >= 0", zap.Int("presence.grace_period_ms", config.GetPresence().GracePeriodMs))
	}
	if config.GetPresence().HeartbeatIntervalMs < 1 {
		logger.Fatal("Presence heartbeat interval must be >= 1", zap.Int("presence.heartbeat_interval_ms", config.GetPresence().HeartbeatIntervalMs))
	}
	if config.GetPresence().HeartbeatTimeoutMs <= config.GetPresence().HeartbeatIntervalMs {
		logger.Fatal("Presence heartbeat timeout must be greater than heartbeat interval",
			zap.Int("presence.heartbeat_timeout_ms", config.GetPresence().HeartbeatTimeoutMs),
			zap.Int("presence.heartbeat_interval_ms", config.GetPresence().HeartbeatIntervalMs))
	}
	if config.GetRoom().MaxChatLength < 1 {
		logger.Fatal("Room max chat length must be >= 1", zap.Int("room.max_chat_length", config.GetRoom().MaxChatLength))
	}
	if config.GetRoom().SnapshotMessageLimit < 0 {
		logger.Fatal("Room snapshot message limit must be >= 0", zap.Int("room.snapshot_message_limit", config.GetRoom().SnapshotMessageLimit))
	}
	if config.GetLogger().File != "" && !filepath.IsAbs(config.GetLogger().File) {
		logger.Fatal("Log file path must be absolute", zap.String("logger.file", config.GetLogger().File))
	}

	configWarnings := make(map[string]string, 4)
	if config.GetSession().EncryptionKey == "defaultencryptionkey" {
		configWarnings["session.encryption_key"] = "Insecure default parameter value, change this for production!"
	}
	if config.GetSocket().ServerKey == "defaultkey" {
		configWarnings["socket.server_key"] = "Insecure default parameter value, change this for production!"
	}
	if len(config.GetDatabase().Addresses) == 0 {
		configWarnings["database.address"] = "No database configured, collaborator data is held in memory only"
	}
	if config.GetPresence().GracePeriodMs == 0 {
		configWarnings["presence.grace_period_ms"] = "Grace period disabled, reconnect churn will be reported as offline transitions"
	}

	for key, msg := range configWarnings {
		logger.Warn(msg, zap.String("param", key))
	}

	return configWarnings
}

type config struct {
	Name             string          `yaml:"name" json:"name" usage:"Name of the server. Must be unique across processes sharing a metrics backend."`
	Config           string          `yaml:"config" json:"config" usage:"The absolute file path to configuration YAML file."`
	ShutdownGraceSec int             `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Maximum number of seconds to wait for open connections to drain on shutdown. Default 0."`
	Logger           *LoggerConfig   `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Socket           *SocketConfig   `yaml:"socket" json:"socket" usage:"Socket configuration."`
	Session          *SessionConfig  `yaml:"session" json:"session" usage:"Session authentication settings."`
	Presence         *PresenceConfig `yaml:"presence" json:"presence" usage:"Presence grace period and heartbeat settings."`
	Room             *RoomConfig     `yaml:"room" json:"room" usage:"Room fanout and chat settings."`
	Database         *DatabaseConfig `yaml:"database" json:"database" usage:"Database connection settings."`
	Metrics          *MetricsConfig  `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
}

// NewConfig constructs a Config struct which represents server settings, and populates it with default values.
func NewConfig(logger *zap.Logger) *config {
	return &config{
		Name:             "studyhall",
		ShutdownGraceSec: 0,
		Logger:           NewLoggerConfig(),
		Socket:           NewSocketConfig(),
		Session:          NewSessionConfig(),
		Presence:         NewPresenceConfig(),
		Room:             NewRoomConfig(),
		Database:         NewDatabaseConfig(),
		Metrics:          NewMetricsConfig(),
	}
}

func (c *config) Clone() (Config, error) {
	configLogger := *(c.Logger)
	configSocket := *(c.Socket)
	configSession := *(c.Session)
	configPresence := *(c.Presence)
	configRoom := *(c.Room)
	configDatabase := *(c.Database)
	configMetrics := *(c.Metrics)
	nc := &config{
		Name:             c.Name,
		Config:           c.Config,
		ShutdownGraceSec: c.ShutdownGraceSec,
		Logger:           &configLogger,
		Socket:           &configSocket,
		Session:          &configSession,
		Presence:         &configPresence,
		Room:             &configRoom,
		Database:         &configDatabase,
		Metrics:          &configMetrics,
	}
	nc.Database.Addresses = make([]string, len(c.Database.Addresses))
	copy(nc.Database.Addresses, c.Database.Addresses)
	return nc, nil
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetConfig() string {
	return c.Config
}

func (c *config) GetShutdownGraceSec() int {
	return c.ShutdownGraceSec
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetSocket() *SocketConfig {
	return c.Socket
}

func (c *config) GetSession() *SessionConfig {
	return c.Session
}

func (c *config) GetPresence() *PresenceConfig {
	return c.Presence
}

func (c *config) GetRoom() *RoomConfig {
	return c.Room
}

func (c *config) GetDatabase() *DatabaseConfig {
	return c.Database
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a log file if set). Default true."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Rotation   bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. The default is not to remove old log files based on age."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files (though MaxAge may still cause them to get deleted.)"`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"This determines if the time used for formatting the timestamps in backup files is the computer's local time. The default is to use UTC time."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"This determines if the rotated log files should be compressed using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'Stackdriver'. Default is 'JSON'."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
	}
}

// SocketConfig is configuration relevant to the transport socket and protocol.
type SocketConfig struct {
	ServerKey            string `yaml:"server_key" json:"server_key" usage:"Server key used by collaborator services to call the internal API."`
	Port                 int    `yaml:"port" json:"port" usage:"The port for accepting connections from the client and collaborator services. Default 7350."`
	Address              string `yaml:"address" json:"address" usage:"The IP address of the interface to listen for client traffic on. Default listen on all available addresses/interfaces."`
	MaxMessageSizeBytes  int64  `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from the client socket per message."`
	MaxRequestSizeBytes  int64  `yaml:"max_request_size_bytes" json:"max_request_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from collaborators per HTTP request."`
	ReadBufferSizeBytes  int    `yaml:"read_buffer_size_bytes" json:"read_buffer_size_bytes" usage:"Size in bytes of the pre-allocated socket read buffer. Default 4096."`
	WriteBufferSizeBytes int    `yaml:"write_buffer_size_bytes" json:"write_buffer_size_bytes" usage:"Size in bytes of the pre-allocated socket write buffer. Default 4096."`
	ReadTimeoutMs        int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire HTTP request."`
	WriteTimeoutMs       int    `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Maximum duration in milliseconds before timing out writes of the HTTP response."`
	IdleTimeoutMs        int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"Maximum amount of time in milliseconds to wait for the next request when keep-alives are enabled."`
	WriteWaitMs          int    `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for an ack from the client when writing data. Used for real-time connections."`
	PongWaitMs           int    `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait between pong messages received from the client. Used for real-time connections."`
	PingPeriodMs         int    `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds to wait between sending ping messages to the client. This value must be less than the pong_wait_ms. Used for real-time connections."`
	PingBackoffThreshold int    `yaml:"ping_backoff_threshold" json:"ping_backoff_threshold" usage:"Minimum number of messages received from the client during a single ping period that will delay the sending of a ping until the next ping period, to avoid sending unnecessary pings on regularly active connections. Default 20."`
	OutgoingQueueSize    int    `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"The maximum number of messages waiting to be sent to the client. If this is exceeded the client is considered too slow and will disconnect. Used when processing real-time connections."`
	InboundRateLimit     int    `yaml:"inbound_rate_limit" json:"inbound_rate_limit" usage:"Sustained number of chat and room event messages a single connection may send per second. Default 10."`
	InboundRateBurst     int    `yaml:"inbound_rate_burst" json:"inbound_rate_burst" usage:"Burst of chat and room event messages a single connection may send before the rate limit applies. Default 20."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		ServerKey:            "defaultkey",
		Port:                 7350,
		Address:              "",
		MaxMessageSizeBytes:  4096,
		MaxRequestSizeBytes:  262_144,
		ReadBufferSizeBytes:  4096,
		WriteBufferSizeBytes: 4096,
		ReadTimeoutMs:        10 * 1000,
		WriteTimeoutMs:       10 * 1000,
		IdleTimeoutMs:        60 * 1000,
		WriteWaitMs:          5000,
		PongWaitMs:           25000,
		PingPeriodMs:         15000,
		PingBackoffThreshold: 20,
		OutgoingQueueSize:    64,
		InboundRateLimit:     10,
		InboundRateBurst:     20,
	}
}

// SessionConfig is configuration relevant to the session tokens issued by the authentication service.
type SessionConfig struct {
	EncryptionKey string `yaml:"encryption_key" json:"encryption_key" usage:"The encryption key used to verify session tokens. Must match the key of the issuing service."`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		EncryptionKey: "defaultencryptionkey",
	}
}

// PresenceConfig is configuration relevant to presence tracking.
type PresenceConfig struct {
	GracePeriodMs       int `yaml:"grace_period_ms" json:"grace_period_ms" usage:"Time in milliseconds a user stays online after their last connection closes, absorbing reloads and network blips. Default 10000."`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms" usage:"Time in milliseconds between sweeps for connections that stopped sending heartbeats. Default 30000."`
	HeartbeatTimeoutMs  int `yaml:"heartbeat_timeout_ms" json:"heartbeat_timeout_ms" usage:"Time in milliseconds without a heartbeat after which a connection is force-closed. Must be greater than the interval. Default 60000."`
	PartnerLookupMs     int `yaml:"partner_lookup_ms" json:"partner_lookup_ms" usage:"Timeout in milliseconds for partner link lookups. Default 2000."`
}

func NewPresenceConfig() *PresenceConfig {
	return &PresenceConfig{
		GracePeriodMs:       10000,
		HeartbeatIntervalMs: 30000,
		HeartbeatTimeoutMs:  60000,
		PartnerLookupMs:     2000,
	}
}

func (cfg *PresenceConfig) GetGracePeriod() time.Duration {
	return time.Duration(cfg.GracePeriodMs) * time.Millisecond
}

func (cfg *PresenceConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
}

func (cfg *PresenceConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(cfg.HeartbeatTimeoutMs) * time.Millisecond
}

func (cfg *PresenceConfig) GetPartnerLookupTimeout() time.Duration {
	return time.Duration(cfg.PartnerLookupMs) * time.Millisecond
}

// RoomConfig is configuration relevant to room subscriptions and chat.
type RoomConfig struct {
	MaxChatLength         int `yaml:"max_chat_length" json:"max_chat_length" usage:"Maximum number of characters in a single chat message. Default 2000."`
	SnapshotMessageLimit  int `yaml:"snapshot_message_limit" json:"snapshot_message_limit" usage:"Number of recent chat messages included in the room snapshot sent on join. Default 50."`
	CollaboratorTimeoutMs int `yaml:"collaborator_timeout_ms" json:"collaborator_timeout_ms" usage:"Timeout in milliseconds for membership checks and chat persistence. Default 3000."`
}

func NewRoomConfig() *RoomConfig {
	return &RoomConfig{
		MaxChatLength:         2000,
		SnapshotMessageLimit:  50,
		CollaboratorTimeoutMs: 3000,
	}
}

func (cfg *RoomConfig) GetCollaboratorTimeout() time.Duration {
	return time.Duration(cfg.CollaboratorTimeoutMs) * time.Millisecond
}

// DatabaseConfig is configuration relevant to the Database storage.
type DatabaseConfig struct {
	Addresses         []string `yaml:"address" json:"address" usage:"List of database servers (username:password@address:port/dbname). Empty keeps collaborator data in memory."`
	ConnMaxLifetimeMs int      `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds to reuse a database connection before the connection is killed and a new one is created. Default 3600000 (1 hour)."`
	MaxOpenConns      int      `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of allowed open connections to the database. Default 100."`
	MaxIdleConns      int      `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of allowed open but unused connections to the database. Default 100."`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Addresses:         []string{},
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      100,
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for Prometheus metrics. It will always prepend node name."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus. If '0' Prometheus exports are disabled."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'studyhall', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Namespace:        "",
		PrometheusPort:   0,
		Prefix:           "studyhall",
	}
}

// registerConfigFlags walks the config structs and registers one flag per leaf field, named after the yaml path.
func registerConfigFlags(fs *flag.FlagSet, prefix string, v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" || name == "config" && prefix == "" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		fv := v.Field(i)
		usage := field.Tag.Get("usage")

		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() || fv.Elem().Kind() != reflect.Struct {
				continue
			}
			registerConfigFlags(fs, name, fv.Elem())
		case reflect.String:
			fs.Var(&reflectFlag{v: fv}, name, usage)
		case reflect.Bool:
			fs.Var(&reflectFlag{v: fv, isBool: true}, name, usage)
		case reflect.Int, reflect.Int64:
			fs.Var(&reflectFlag{v: fv}, name, usage)
		case reflect.Slice:
			if fv.Type().Elem().Kind() == reflect.String {
				fs.Var(&reflectFlag{v: fv}, name, usage)
			}
		}
	}
}

type reflectFlag struct {
	v      reflect.Value
	isBool bool
}

func (f *reflectFlag) IsBoolFlag() bool {
	return f.isBool
}

func (f *reflectFlag) String() string {
	if !f.v.IsValid() {
		return ""
	}
	if f.v.Kind() == reflect.Slice {
		return strings.Join(f.v.Interface().([]string), ",")
	}
	return fmt.Sprint(f.v.Interface())
}

func (f *reflectFlag) Set(s string) error {
	switch f.v.Kind() {
	case reflect.String:
		f.v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		f.v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		f.v.SetInt(n)
	case reflect.Slice:
		f.v.Set(reflect.ValueOf(strings.Split(s, ",")))
	default:
		return fmt.Errorf("unsupported flag kind %v", f.v.Kind())
	}
	return nil
}

// filterConfigArgs keeps only the --config flag so the first pass does not trip over unknown flags.
func filterConfigArgs(args []string) []string {
	out := make([]string, 0, 2)
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--config" || a == "-config":
			out = append(out, a)
			if i+1 < len(args) {
				out = append(out, args[i+1])
				i++
			}
		case strings.HasPrefix(a, "--config=") || strings.HasPrefix(a, "-config="):
			out = append(out, a)
		}
	}
	return out
}

type devNull struct{}

func (devNull) Write(p []byte) (int, error) {
	return len(p), nil
}
