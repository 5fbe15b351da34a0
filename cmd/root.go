package cmd

import (
	"fmt"
	"os"

	"github.com/DuC-cnZj/predict-bus/bootstrapers"
	"github.com/DuC-cnZj/predict-bus/conn"
	"github.com/DuC-cnZj/predict-bus/management"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var app = bootstrapers.NewApp(&bootstrapers.ConfigLoader{})

var rootCmd = &cobra.Command{
	Use:   "predict-bus",
	Short: "predict message bus",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogger)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	flags := rootCmd.PersistentFlags()
	flags.Bool("debug", false, "--debug")
	flags.String("host", "", "--host 127.0.0.1, broker and management host")
	flags.Int("port", 0, "--port 5672")
	flags.String("vhost", "", "--vhost /")
	flags.StringP("exchange", "e", "", "--exchange predict-exchange")
	flags.String("exchange-type", "", "--exchange-type topic|direct")
	flags.StringP("queue", "q", "", "--queue predict-queue")
	flags.StringP("routing-key", "k", "", "--routing-key predict-key")

	for key, flag := range map[string]string{
		"Debug":              "debug",
		"Broker.Host":        "host",
		"Management.Host":    "host",
		"Broker.Port":        "port",
		"Broker.VirtualHost": "vhost",
		"Exchange":           "exchange",
		"ExchangeType":       "exchange-type",
		"QueueName":          "queue",
		"RoutingKey":         "routing-key",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatal(err)
		}
	}
}

func initLogger() {
	log.SetLevel(log.InfoLevel)
	fmt.Fprint(os.Stderr, `
    ____                ___      __     ____            
   / __ \________  ____/ (_)____/ /_   / __ )__  _______
  / /_/ / ___/ _ \/ __  / / ___/ __/  / __  / / / / ___/
 / ____/ /  /  __/ /_/ / / /__/ /_   / /_/ / /_/ (__  ) 
/_/   /_/   \___/\__,_/_/\___/\__/  /_____/\__,_/____/  
`)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}

func openConn(name string) (*conn.Connection, error) {
	return conn.Open(app.Config().Broker, conn.WithName("predict-bus "+name))
}

func newManagement() *management.Client {
	cfg := app.Config().Management

	return management.New(management.Options{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	})
}
