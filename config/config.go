package config

import (
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	JwtSecret string `yaml:"jwt_secret" json:"jwt_secret"`
}

type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// DripConfig carries dispatcher tuning. Per-subaccount batching and delay
// live in the subaccount_settings table; these are process-wide bounds.
type DripConfig struct {
	CycleInterval time.Duration `yaml:"cycle_interval" json:"cycle_interval"`
	SendTimeout   time.Duration `yaml:"send_timeout" json:"send_timeout"`
	BackoffBase   time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	Workers       int           `yaml:"workers" json:"workers"`
	RetentionDays int           `yaml:"retention_days" json:"retention_days"`
}

// UnmarshalYAML parses duration fields from strings like "30s"; yaml.v2
// cannot decode those into time.Duration directly. Absent keys keep
// whatever the receiver already holds.
func (d *DripConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		CycleInterval string `yaml:"cycle_interval"`
		SendTimeout   string `yaml:"send_timeout"`
		BackoffBase   string `yaml:"backoff_base"`
		BackoffCap    string `yaml:"backoff_cap"`
		Workers       *int   `yaml:"workers"`
		RetentionDays *int   `yaml:"retention_days"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	setDuration(&d.CycleInterval, raw.CycleInterval)
	setDuration(&d.SendTimeout, raw.SendTimeout)
	setDuration(&d.BackoffBase, raw.BackoffBase)
	setDuration(&d.BackoffCap, raw.BackoffCap)
	if raw.Workers != nil {
		d.Workers = *raw.Workers
	}
	if raw.RetentionDays != nil {
		d.RetentionDays = *raw.RetentionDays
	}
	return nil
}

func setDuration(dst *time.Duration, src string) {
	if src == "" {
		return
	}
	if v, err := time.ParseDuration(src); err == nil {
		*dst = v
	}
}

type AppConfig struct {
	System   SysConfig  `yaml:"system" json:"system"`
	Web      WebConfig  `yaml:"web" json:"web"`
	Database DBConfig   `yaml:"database" json:"database"`
	Logger   LogConfig  `yaml:"logger" json:"logger"`
	Drip     DripConfig `yaml:"drip" json:"drip"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "wagate",
		Location: "UTC",
		Workdir:  "/var/wagate",
		Debug:    false,
	},
	Web: WebConfig{
		Host:      "0.0.0.0",
		Port:      1889,
		JwtSecret: "9b6bc6b6-wagate-secret",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wagate",
		User:     "postgres",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wagate/wagate.log",
	},
	Drip: DripConfig{
		CycleInterval: 30 * time.Second,
		SendTimeout:   15 * time.Second,
		BackoffBase:   2 * time.Minute,
		BackoffCap:    30 * time.Minute,
		Workers:       16,
		RetentionDays: 90,
	},
}

// LoadConfig reads config from the yaml file when it exists and applies
// environment overrides on top of the defaults.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig

	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	setEnvString("WAGATE_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvString("WAGATE_WEB_HOST", &cfg.Web.Host)
	setEnvInt("WAGATE_WEB_PORT", &cfg.Web.Port)
	setEnvString("WAGATE_WEB_JWT_SECRET", &cfg.Web.JwtSecret)
	setEnvString("WAGATE_DB_TYPE", &cfg.Database.Type)
	setEnvString("WAGATE_DB_HOST", &cfg.Database.Host)
	setEnvInt("WAGATE_DB_PORT", &cfg.Database.Port)
	setEnvString("WAGATE_DB_NAME", &cfg.Database.Name)
	setEnvString("WAGATE_DB_USER", &cfg.Database.User)
	setEnvString("WAGATE_DB_PWD", &cfg.Database.Passwd)
	setEnvString("WAGATE_LOGGER_MODE", &cfg.Logger.Mode)

	if cfg.Drip.CycleInterval <= 0 {
		cfg.Drip.CycleInterval = DefaultAppConfig.Drip.CycleInterval
	}
	if cfg.Drip.BackoffBase <= 0 {
		cfg.Drip.BackoffBase = DefaultAppConfig.Drip.BackoffBase
	}
	if cfg.Drip.BackoffCap < cfg.Drip.BackoffBase {
		cfg.Drip.BackoffCap = DefaultAppConfig.Drip.BackoffCap
	}
	if cfg.Drip.Workers <= 0 {
		cfg.Drip.Workers = DefaultAppConfig.Drip.Workers
	}
	return cfg
}

func setEnvString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setEnvInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		*dst = cast.ToInt(v)
	}
}
