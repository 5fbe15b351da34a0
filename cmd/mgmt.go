package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/DuC-cnZj/predict-bus/management"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var (
	mgmtVhost string
	peekCount int
)

var mgmtCmd = &cobra.Command{
	Use:   "mgmt",
	Short: "查询 rabbitmq management api",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		app.Boot()
	},
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))

	return err
}

func listCmd(use, short string, list func(*management.Client, context.Context) ([]management.Record, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := list(newManagement(), cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}
}

var mgmtQueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "所有队列的统计",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		queues, err := newManagement().ListQueues(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(queues)
	},
}

var mgmtPeekCmd = &cobra.Command{
	Use:   "peek <queue>",
	Short: "查看队列中的消息, 消息会被放回队列",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messages, err := newManagement().PeekMessages(cmd.Context(), mgmtVhost, args[0], peekCount)
		if err != nil {
			return err
		}
		return printJSON(messages)
	},
}

var mgmtDepthCmd = &cobra.Command{
	Use:   "depth <queue>",
	Short: "队列长度, 队列不存在时为 -1",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, err := newManagement().QueueDepth(cmd.Context(), mgmtVhost, args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, strconv.Itoa(depth))
		return err
	},
}

func init() {
	rootCmd.AddCommand(mgmtCmd)

	mgmtCmd.PersistentFlags().StringVar(&mgmtVhost, "mgmt-vhost", "/", "--mgmt-vhost /")
	mgmtPeekCmd.Flags().IntVarP(&peekCount, "count", "n", management.DefaultPeekCount, "--count/-n 50")

	mgmtCmd.AddCommand(
		mgmtQueuesCmd,
		mgmtPeekCmd,
		mgmtDepthCmd,
		listCmd("nodes", "集群节点", (*management.Client).ListNodes),
		listCmd("exchanges", "所有 exchange", (*management.Client).ListExchanges),
		listCmd("channels", "所有 channel", (*management.Client).ListChannels),
		listCmd("users", "所有用户", (*management.Client).ListUsers),
	)
}
