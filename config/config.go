package config

import (
	"net"
	"strconv"
	"time"

	"github.com/streadway/amqp"
)

const (
	DefaultExchange     = "predict-exchange"
	DefaultExchangeType = amqp.ExchangeTopic
	DefaultQueueName    = "predict-queue"
	DefaultRoutingKey   = "predict-key"

	// prefetch is not configurable: a consumer handles one message at a time.
	PrefetchCount = 1
)

// Broker holds the amqp connection parameters. They are read once when a
// connection is opened and never mutated afterwards.
type Broker struct {
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string
	Heartbeat   time.Duration
}

// URI renders the amqp dsn.
func (b Broker) URI() string {
	vhost := b.VirtualHost
	if vhost == "" {
		vhost = "/"
	}

	return amqp.URI{
		Scheme:   "amqp",
		Host:     b.Host,
		Port:     b.Port,
		Username: b.Username,
		Password: b.Password,
		Vhost:    vhost,
	}.String()
}

func (b Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Management holds the admin http api parameters.
type Management struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

type Config struct {
	// debug mode
	Debug bool
	// 打印config信息
	PrintConfig bool

	Broker     Broker
	Management Management

	Exchange     string
	ExchangeType string
	QueueName    string
	RoutingKey   string
	AutoAck      bool

	// http port
	HttpPort string
	// rpc port
	RpcPort string
	// prometheus port
	MetricsPort string

	RedisAddr     string
	RedisDB       int
	RedisUsername string
	RedisPassword string

	DBHost     string
	DBPort     string
	DBDatabase string
	DBUsername string
	DBPassword string

	// 分布式锁有效时间
	DLMExpiration int

	MonitorEnabled    bool
	MonitorSpec       string
	MonitorVhost      string
	MonitorQueues     []string
	MonitorMaxElapsed time.Duration

	RegistryHost    string
	RegistryCreator string
}

// Default returns a config with the values the tools fall back to when
// nothing is configured.
func Default() *Config {
	return &Config{
		Broker: Broker{
			Host:        "127.0.0.1",
			Port:        5672,
			Username:    "admin",
			Password:    "admin",
			VirtualHost: "/",
			Heartbeat:   10 * time.Second,
		},
		Management: Management{
			Host:     "127.0.0.1",
			Port:     15672,
			Username: "admin",
			Password: "admin",
			Timeout:  10 * time.Second,
		},
		Exchange:          DefaultExchange,
		ExchangeType:      DefaultExchangeType,
		QueueName:         DefaultQueueName,
		RoutingKey:        DefaultRoutingKey,
		AutoAck:           true,
		HttpPort:          "8080",
		RpcPort:           "9090",
		MetricsPort:       "9100",
		RedisAddr:         "127.0.0.1:6379",
		DBPort:            "3306",
		DLMExpiration:     30,
		MonitorSpec:       "@every 10s",
		MonitorVhost:      "/",
		MonitorMaxElapsed: 30 * time.Second,
		RegistryHost:      "http://kubeflow-dashboard.infra",
		RegistryCreator:   "admin",
	}
}
