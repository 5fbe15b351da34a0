package cmd

import (
	"github.com/DuC-cnZj/predict-bus/hub"
	"github.com/spf13/cobra"
)

var exchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "exchange 运维命令",
}

var exchangeDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "删除 exchange, 默认删除 --exchange",
	Args:  cobra.MaximumNArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		app.Boot()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		name := app.Config().Exchange
		if len(args) == 1 {
			name = args[0]
		}

		c, err := openConn("exchange delete")
		if err != nil {
			return err
		}
		p := hub.NewProducer(c, hub.ProducerOptions{})
		defer p.Close()

		return p.DeleteExchange(name)
	},
}

func init() {
	rootCmd.AddCommand(exchangeCmd)
	exchangeCmd.AddCommand(exchangeDeleteCmd)
}
