package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Logger    LoggerConfig    `yaml:"logger" mapstructure:"logger"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Generator GeneratorConfig `yaml:"generator" mapstructure:"generator"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Balancer  BalancerConfig  `yaml:"balancer" mapstructure:"balancer"`
	Resource  ResourceConfig  `yaml:"resource" mapstructure:"resource"`
	Cluster   ClusterConfig   `yaml:"cluster" mapstructure:"cluster"`
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type APIConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	DBName          string        `yaml:"db_name" mapstructure:"db_name"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	TaskTable       string        `yaml:"task_table" mapstructure:"task_table"`
}

type TracingConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string `yaml:"service_name" mapstructure:"service_name"`
	JaegerEndpoint string `yaml:"jaeger_endpoint" mapstructure:"jaeger_endpoint"`
}

// StorageConfig selects the fire-and-forget result store.
type StorageConfig struct {
	Backend   string        `yaml:"backend" mapstructure:"backend"`
	ResultTTL time.Duration `yaml:"result_ttl" mapstructure:"result_ttl"`
}

type QueueConfig struct {
	ShutdownPolicy string `yaml:"shutdown_policy" mapstructure:"shutdown_policy"`
}

type SchedulerConfig struct {
	DispatchPace time.Duration `yaml:"dispatch_pace" mapstructure:"dispatch_pace"`
	PollTimeout  time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
	// TaskSource is "file", "postgres" or "none".
	TaskSource string `yaml:"task_source" mapstructure:"task_source"`
	TaskFile   string `yaml:"task_file" mapstructure:"task_file"`
}

type GeneratorConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

type WorkerConfig struct {
	InitialWorkers    int             `yaml:"initial_workers" mapstructure:"initial_workers"`
	Nodes             []string        `yaml:"nodes" mapstructure:"nodes"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	FailureCooldown   time.Duration   `yaml:"failure_cooldown" mapstructure:"failure_cooldown"`
	ReportAborted     bool            `yaml:"report_aborted" mapstructure:"report_aborted"`
	Execution         ExecutionConfig `yaml:"execution" mapstructure:"execution"`
}

// ExecutionConfig shapes the simulated task cost.
type ExecutionConfig struct {
	BaseDuration   time.Duration `yaml:"base_duration" mapstructure:"base_duration"`
	ComplexityUnit time.Duration `yaml:"complexity_unit" mapstructure:"complexity_unit"`
	MaxComplexity  float64       `yaml:"max_complexity" mapstructure:"max_complexity"`
	Jitter         time.Duration `yaml:"jitter" mapstructure:"jitter"`
	PollInterval   time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	TimeScale      float64       `yaml:"time_scale" mapstructure:"time_scale"`
	FailureRate    float64       `yaml:"failure_rate" mapstructure:"failure_rate"`
}

type BalancerConfig struct {
	MaintenanceInterval       time.Duration `yaml:"maintenance_interval" mapstructure:"maintenance_interval"`
	DiscoveryInterval         time.Duration `yaml:"discovery_interval" mapstructure:"discovery_interval"`
	DiscoveryMinGap           time.Duration `yaml:"discovery_min_gap" mapstructure:"discovery_min_gap"`
	WorkerTimeout             time.Duration `yaml:"worker_timeout" mapstructure:"worker_timeout"`
	BacklogDiscoveryThreshold int           `yaml:"backlog_discovery_threshold" mapstructure:"backlog_discovery_threshold"`
	ScaleInHold               time.Duration `yaml:"scale_in_hold" mapstructure:"scale_in_hold"`
	RequeueOnEviction         bool          `yaml:"requeue_on_eviction" mapstructure:"requeue_on_eviction"`
}

type ResourceConfig struct {
	EvaluationInterval     time.Duration `yaml:"evaluation_interval" mapstructure:"evaluation_interval"`
	CPUHigh                float64       `yaml:"cpu_high" mapstructure:"cpu_high"`
	CPULow                 float64       `yaml:"cpu_low" mapstructure:"cpu_low"`
	PauseCooldown          time.Duration `yaml:"pause_cooldown" mapstructure:"pause_cooldown"`
	ScaleOutQueueThreshold int           `yaml:"scale_out_queue_threshold" mapstructure:"scale_out_queue_threshold"`
	ScaleInIdleRatio       float64       `yaml:"scale_in_idle_ratio" mapstructure:"scale_in_idle_ratio"`
	BaselineWorkers        int           `yaml:"baseline_workers" mapstructure:"baseline_workers"`
	StaleAfter             time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

type ClusterConfig struct {
	MaxWorkers       int           `yaml:"max_workers" mapstructure:"max_workers"`
	ScaleOutCooldown time.Duration `yaml:"scale_out_cooldown" mapstructure:"scale_out_cooldown"`
}

type MonitorConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	UnhealthyFactor float64       `yaml:"unhealthy_factor" mapstructure:"unhealthy_factor"`
	// ForgetAfter drops an identity after this many consecutive reports.
	// Zero keeps reporting forever.
	ForgetAfter int `yaml:"forget_after" mapstructure:"forget_after"`
}

// Load reads configuration from path (or ./configs/fleet.yaml, ./fleet.yaml
// when path is empty), the FLEET_* environment and built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fleet")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("FLEET")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the built-in defaults without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fleet")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.db_name", "fleet")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.task_table", "tasks")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fleet-dispatcher")
	v.SetDefault("tracing.jaeger_endpoint", "")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.result_ttl", "24h")

	v.SetDefault("queue.shutdown_policy", "immediate")

	v.SetDefault("scheduler.dispatch_pace", "100ms")
	v.SetDefault("scheduler.poll_timeout", "1s")
	v.SetDefault("scheduler.task_source", "file")
	v.SetDefault("scheduler.task_file", "data/tasks.json")

	v.SetDefault("generator.enabled", true)
	v.SetDefault("generator.interval", "2s")

	v.SetDefault("worker.initial_workers", 3)
	v.SetDefault("worker.nodes", []string{"node-a", "node-b", "node-c"})
	v.SetDefault("worker.heartbeat_interval", "5s")
	v.SetDefault("worker.failure_cooldown", "5s")
	v.SetDefault("worker.report_aborted", true)
	v.SetDefault("worker.execution.base_duration", "2s")
	v.SetDefault("worker.execution.complexity_unit", "1s")
	v.SetDefault("worker.execution.max_complexity", 6.0)
	v.SetDefault("worker.execution.jitter", "2s")
	v.SetDefault("worker.execution.poll_interval", "1s")
	v.SetDefault("worker.execution.time_scale", 1.0)
	v.SetDefault("worker.execution.failure_rate", 0.0)

	v.SetDefault("balancer.maintenance_interval", "10s")
	v.SetDefault("balancer.discovery_interval", "10s")
	v.SetDefault("balancer.discovery_min_gap", "5s")
	v.SetDefault("balancer.worker_timeout", "60s")
	v.SetDefault("balancer.backlog_discovery_threshold", 5)
	v.SetDefault("balancer.scale_in_hold", "15s")
	v.SetDefault("balancer.requeue_on_eviction", false)

	v.SetDefault("resource.evaluation_interval", "5s")
	v.SetDefault("resource.cpu_high", 85.0)
	v.SetDefault("resource.cpu_low", 30.0)
	v.SetDefault("resource.pause_cooldown", "15s")
	v.SetDefault("resource.scale_out_queue_threshold", 10)
	v.SetDefault("resource.scale_in_idle_ratio", 0.5)
	v.SetDefault("resource.baseline_workers", 3)
	v.SetDefault("resource.stale_after", "60s")

	v.SetDefault("cluster.max_workers", 10)
	v.SetDefault("cluster.scale_out_cooldown", "10s")

	v.SetDefault("monitor.check_interval", "10s")
	v.SetDefault("monitor.unhealthy_factor", 2.5)
	v.SetDefault("monitor.forget_after", 3)
}

func validateConfig(config *Config) error {
	if config.Metrics.Enabled && (config.Metrics.Port <= 0 || config.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
	}

	if config.API.Enabled && (config.API.Port <= 0 || config.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", config.API.Port)
	}

	if config.Worker.InitialWorkers < 0 {
		return fmt.Errorf("worker initial_workers must not be negative, got: %d", config.Worker.InitialWorkers)
	}

	if len(config.Worker.Nodes) == 0 {
		return fmt.Errorf("worker nodes must name at least one node")
	}

	if config.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be positive")
	}

	if config.Resource.CPULow >= config.Resource.CPUHigh {
		return fmt.Errorf("resource cpu_low (%.1f) must be below cpu_high (%.1f)",
			config.Resource.CPULow, config.Resource.CPUHigh)
	}

	if config.Resource.ScaleInIdleRatio < 0 || config.Resource.ScaleInIdleRatio > 1 {
		return fmt.Errorf("resource scale_in_idle_ratio must be within [0,1], got: %.2f", config.Resource.ScaleInIdleRatio)
	}

	if config.Cluster.MaxWorkers < 0 {
		return fmt.Errorf("cluster max_workers must not be negative, got: %d", config.Cluster.MaxWorkers)
	}

	switch config.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage backend: %s", config.Storage.Backend)
	}

	switch config.Scheduler.TaskSource {
	case "file", "postgres", "none":
	default:
		return fmt.Errorf("unknown task source: %s", config.Scheduler.TaskSource)
	}

	return nil
}

func (c *Config) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func (c *Config) GetMetricsAddr() string {
	return fmt.Sprintf(":%d", c.Metrics.Port)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
