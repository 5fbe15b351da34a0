package bootstrapers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/DuC-cnZj/predict-bus/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// envAliases are the variable names the deployment scripts already export.
var envAliases = map[string][]string{
	"Broker.Host":     {"BROKER_HOST", "RABBIT_HOST"},
	"Management.Host": {"MANAGEMENT_HOST", "RABBIT_HOST"},
	"RegistryHost":    {"REGISTRY_HOST", "KFJ_MODEL_REPO_API_URL"},
	"RegistryCreator": {"REGISTRY_CREATOR", "KFJ_CREATOR"},
	"DB_HOST":         {"DB_HOST"},
	"DB_PORT":         {"DB_PORT"},
	"DB_DATABASE":     {"DB_DATABASE"},
	"DB_USERNAME":     {"DB_USERNAME"},
	"DB_PASSWORD":     {"DB_PASSWORD"},
}

type ConfigLoader struct {
	// Viper defaults to the global instance the cobra flags are bound to.
	Viper *viper.Viper
}

func (c *ConfigLoader) Boot(app *App) {
	v := c.Viper
	if v == nil {
		v = viper.GetViper()
	}

	cfg, err := LoadConfig(v)
	if err != nil {
		log.Fatal(err)
	}
	app.cfg = cfg

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	printConfig(cfg)
}

// LoadConfig reads config.yaml from the working directory when there is one,
// then the environment. Every key falls back to config.Default.
func LoadConfig(v *viper.Viper) (*config.Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envAliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, err
		}
	}
	setDefaults(v, config.Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Debug("no config.yaml, using env and defaults")
	}

	return &config.Config{
		Debug:       v.GetBool("Debug"),
		PrintConfig: v.GetBool("PrintConfig"),
		Broker: config.Broker{
			Host:        v.GetString("Broker.Host"),
			Port:        v.GetInt("Broker.Port"),
			Username:    v.GetString("Broker.Username"),
			Password:    v.GetString("Broker.Password"),
			VirtualHost: v.GetString("Broker.VirtualHost"),
			Heartbeat:   v.GetDuration("Broker.Heartbeat"),
		},
		Management: config.Management{
			Host:     v.GetString("Management.Host"),
			Port:     v.GetInt("Management.Port"),
			Username: v.GetString("Management.Username"),
			Password: v.GetString("Management.Password"),
			Timeout:  v.GetDuration("Management.Timeout"),
		},
		Exchange:          v.GetString("Exchange"),
		ExchangeType:      v.GetString("ExchangeType"),
		QueueName:         v.GetString("QueueName"),
		RoutingKey:        v.GetString("RoutingKey"),
		AutoAck:           v.GetBool("AutoAck"),
		HttpPort:          v.GetString("HttpPort"),
		RpcPort:           v.GetString("RpcPort"),
		MetricsPort:       v.GetString("MetricsPort"),
		RedisAddr:         v.GetString("RedisAddr"),
		RedisDB:           v.GetInt("RedisDB"),
		RedisUsername:     v.GetString("RedisUsername"),
		RedisPassword:     v.GetString("RedisPassword"),
		DBHost:            v.GetString("DB_HOST"),
		DBPort:            v.GetString("DB_PORT"),
		DBDatabase:        v.GetString("DB_DATABASE"),
		DBUsername:        v.GetString("DB_USERNAME"),
		DBPassword:        v.GetString("DB_PASSWORD"),
		DLMExpiration:     v.GetInt("DLMExpiration"),
		MonitorEnabled:    v.GetBool("MonitorEnabled"),
		MonitorSpec:       v.GetString("MonitorSpec"),
		MonitorVhost:      v.GetString("MonitorVhost"),
		MonitorQueues:     v.GetStringSlice("MonitorQueues"),
		MonitorMaxElapsed: v.GetDuration("MonitorMaxElapsed"),
		RegistryHost:      v.GetString("RegistryHost"),
		RegistryCreator:   v.GetString("RegistryCreator"),
	}, nil
}

func setDefaults(v *viper.Viper, d *config.Config) {
	v.SetDefault("Broker.Host", d.Broker.Host)
	v.SetDefault("Broker.Port", d.Broker.Port)
	v.SetDefault("Broker.Username", d.Broker.Username)
	v.SetDefault("Broker.Password", d.Broker.Password)
	v.SetDefault("Broker.VirtualHost", d.Broker.VirtualHost)
	v.SetDefault("Broker.Heartbeat", d.Broker.Heartbeat)
	v.SetDefault("Management.Host", d.Management.Host)
	v.SetDefault("Management.Port", d.Management.Port)
	v.SetDefault("Management.Username", d.Management.Username)
	v.SetDefault("Management.Password", d.Management.Password)
	v.SetDefault("Management.Timeout", d.Management.Timeout)
	v.SetDefault("Exchange", d.Exchange)
	v.SetDefault("ExchangeType", d.ExchangeType)
	v.SetDefault("QueueName", d.QueueName)
	v.SetDefault("RoutingKey", d.RoutingKey)
	v.SetDefault("AutoAck", d.AutoAck)
	v.SetDefault("HttpPort", d.HttpPort)
	v.SetDefault("RpcPort", d.RpcPort)
	v.SetDefault("MetricsPort", d.MetricsPort)
	v.SetDefault("RedisAddr", d.RedisAddr)
	v.SetDefault("DB_PORT", d.DBPort)
	v.SetDefault("DLMExpiration", d.DLMExpiration)
	v.SetDefault("MonitorSpec", d.MonitorSpec)
	v.SetDefault("MonitorVhost", d.MonitorVhost)
	v.SetDefault("MonitorMaxElapsed", d.MonitorMaxElapsed)
	v.SetDefault("RegistryHost", d.RegistryHost)
	v.SetDefault("RegistryCreator", d.RegistryCreator)
}

func printConfig(cfg *config.Config) {
	if !cfg.PrintConfig {
		return
	}
	l := len(getLarger(getLarger(cfg.DBHost, cfg.Broker.URI()), getLarger(cfg.RedisAddr, cfg.RegistryHost)))
	f := "#%25v: %" + strconv.Itoa(-l) + "v\t#"
	padding := strings.Repeat("#", l+31)
	log.Warn(padding)
	log.Warnf(f, "Debug", cfg.Debug)
	log.Warnf(f, "PrintConfig", cfg.PrintConfig)
	log.Warnf(f, "Broker", cfg.Broker.Addr())
	log.Warnf(f, "Broker.Username", cfg.Broker.Username)
	log.Warnf(f, "Broker.Password", mask(cfg.Broker.Password))
	log.Warnf(f, "Broker.VirtualHost", cfg.Broker.VirtualHost)
	log.Warnf(f, "Broker.Heartbeat", cfg.Broker.Heartbeat)
	log.Warnf(f, "Management", cfg.Management.Host+":"+strconv.Itoa(cfg.Management.Port))
	log.Warnf(f, "Management.Username", cfg.Management.Username)
	log.Warnf(f, "Management.Password", mask(cfg.Management.Password))
	log.Warnf(f, "Exchange", cfg.Exchange)
	log.Warnf(f, "ExchangeType", cfg.ExchangeType)
	log.Warnf(f, "QueueName", cfg.QueueName)
	log.Warnf(f, "RoutingKey", cfg.RoutingKey)
	log.Warnf(f, "PrefetchCount", config.PrefetchCount)
	log.Warnf(f, "AutoAck", cfg.AutoAck)
	log.Warnf(f, "HttpPort", cfg.HttpPort)
	log.Warnf(f, "RpcPort", cfg.RpcPort)
	log.Warnf(f, "MetricsPort", cfg.MetricsPort)
	log.Warnf(f, "DB_PORT", cfg.DBPort)
	log.Warnf(f, "DB_HOST", cfg.DBHost)
	log.Warnf(f, "DB_DATABASE", cfg.DBDatabase)
	log.Warnf(f, "DB_USERNAME", cfg.DBUsername)
	log.Warnf(f, "DB_PASSWORD", mask(cfg.DBPassword))
	log.Warnf(f, "REDIS_ADDR", cfg.RedisAddr)
	log.Warnf(f, "REDIS_USERNAME", cfg.RedisUsername)
	log.Warnf(f, "REDIS_PASSWORD", mask(cfg.RedisPassword))
	log.Warnf(f, "REDIS_DB", cfg.RedisDB)
	log.Warnf(f, "DLMExpiration", cfg.DLMExpiration)
	log.Warnf(f, "MonitorEnabled", cfg.MonitorEnabled)
	log.Warnf(f, "MonitorSpec", cfg.MonitorSpec)
	log.Warnf(f, "MonitorVhost", cfg.MonitorVhost)
	log.Warnf(f, "MonitorQueues", strings.Join(cfg.MonitorQueues, ","))
	log.Warnf(f, "MonitorMaxElapsed", cfg.MonitorMaxElapsed)
	log.Warnf(f, "RegistryHost", cfg.RegistryHost)
	log.Warnf(f, "RegistryCreator", cfg.RegistryCreator)
	log.Warn(padding)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func getLarger(i, j string) string {
	if len(i) > len(j) {
		return i
	}

	return j
}
