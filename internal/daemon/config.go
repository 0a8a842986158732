package daemon

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"PowerSched/internal/power"
	"PowerSched/internal/util"
)

type Config struct {
	ManifestPath string `mapstructure:"manifest"`
	StateFile    string `mapstructure:"state_file"`
	SocketPath   string `mapstructure:"socket"`

	CycleSeconds        int    `mapstructure:"cycle_seconds"`
	IdleThresholdSecs   int    `mapstructure:"idle_threshold_seconds"`
	StuckTimeoutSecs    int    `mapstructure:"stuck_timeout_seconds"`
	CallTimeoutSecs     int    `mapstructure:"call_timeout_seconds"`
	StateExpirySecs     int    `mapstructure:"state_expiry_seconds"`
	Engine              string `mapstructure:"engine"`
	SkipDemandWhenAllOn bool   `mapstructure:"skip_demand_when_all_on"`

	Power power.Config `mapstructure:"power"`

	Demand DemandConfig `mapstructure:"demand"`

	InfluxDB *InfluxDBConfig `mapstructure:"influxdb"`

	Log LogConfig `mapstructure:"log"`
}

type DemandConfig struct {
	StatusCacheSeconds int `mapstructure:"status_cache_seconds"`
}

type InfluxDBConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaultConfig(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("manifest", util.DefaultManifestPath)
	v.SetDefault("state_file", util.DefaultStateFile)
	v.SetDefault("socket", util.DefaultSocketPath)

	v.SetDefault("cycle_seconds", 60)
	v.SetDefault("idle_threshold_seconds", 3600)
	v.SetDefault("stuck_timeout_seconds", 900)
	v.SetDefault("call_timeout_seconds", 20)
	v.SetDefault("state_expiry_seconds", 900)
	v.SetDefault("engine", "sequential")
	v.SetDefault("skip_demand_when_all_on", false)

	v.SetDefault("demand.status_cache_seconds", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

func validateConfig(cfg *Config) error {
	if cfg.CycleSeconds <= 0 {
		return fmt.Errorf("cycle_seconds must be greater than 0")
	}
	if cfg.IdleThresholdSecs <= 0 {
		return fmt.Errorf("idle_threshold_seconds must be greater than 0")
	}
	if cfg.StuckTimeoutSecs <= 0 {
		return fmt.Errorf("stuck_timeout_seconds must be greater than 0")
	}
	if cfg.CallTimeoutSecs <= 0 {
		return fmt.Errorf("call_timeout_seconds must be greater than 0")
	}
	if cfg.Engine == "" {
		return fmt.Errorf("engine must be specified")
	}

	if cfg.InfluxDB != nil {
		if cfg.InfluxDB.URL == "" || cfg.InfluxDB.Token == "" ||
			cfg.InfluxDB.Org == "" || cfg.InfluxDB.Bucket == "" {
			return fmt.Errorf("incomplete influxdb configuration")
		}
	}

	return nil
}

func (c *Config) CyclePeriod() time.Duration {
	return time.Duration(c.CycleSeconds) * time.Second
}

func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSecs) * time.Second
}

func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutSecs) * time.Second
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

func (c *Config) StateExpiry() time.Duration {
	return time.Duration(c.StateExpirySecs) * time.Second
}

func PrintConfig(cfg *Config) {
	log.Infof("=== Current Configuration Start ===")
	log.Infof("  Manifest: %s", cfg.ManifestPath)
	log.Infof("  State File: %s", cfg.StateFile)
	log.Infof("  Socket: %s", cfg.SocketPath)
	log.Infof("  Cycle Period: %v", cfg.CyclePeriod())
	log.Infof("  Idle Threshold: %v", cfg.IdleThreshold())
	log.Infof("  Stuck Timeout: %v", cfg.StuckTimeout())
	log.Infof("  Engine: %s", cfg.Engine)
	log.Infof("  Skip Demand When All On: %v", cfg.SkipDemandWhenAllOn)
	if cfg.Power.IPMI.User != "" {
		log.Infof("  IPMI User: %s, Password: ******", cfg.Power.IPMI.User)
	}
	if cfg.Power.Redfish.User != "" {
		log.Infof("  Redfish User: %s, Password: ******", cfg.Power.Redfish.User)
	}
	if cfg.InfluxDB != nil {
		log.Infof("  InfluxDB URL: %s, Org: %s, Bucket: %s, Token: ******",
			cfg.InfluxDB.URL, cfg.InfluxDB.Org, cfg.InfluxDB.Bucket)
	}
	log.Infof("=== Current Configuration End ===")
}
