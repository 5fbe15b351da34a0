package cmd

import (
	"github.com/DuC-cnZj/predict-bus/registry"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var downloadReq registry.Request

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "从模型仓库下载模型文件",
	PreRun: func(cmd *cobra.Command, args []string) {
		app.Boot()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.Config()
		launcher := registry.NewLauncher(registry.NewClient(cfg.RegistryHost, cfg.RegistryCreator))

		files, err := launcher.Download(cmd.Context(), downloadReq)
		if err != nil {
			return err
		}
		for _, f := range files {
			log.Info("saved ", f)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	flags := downloadCmd.Flags()
	flags.StringVar(&downloadReq.From, "from", registry.FromTrainingModel, "--from train_model|inference")
	flags.StringVar(&downloadReq.ModelName, "model-name", "", "--model-name ner")
	flags.StringVar(&downloadReq.SubModelName, "sub-model-name", "", "--sub-model-name bert")
	flags.StringVar(&downloadReq.ModelVersion, "model-version", "", "--model-version v2024.03.07.1, defaults to today")
	flags.StringVar(&downloadReq.ModelStatus, "model-status", "", "--model-status online")
	flags.StringVar(&downloadReq.SavePath, "save-path", ".", "--save-path /mnt/models")
	downloadCmd.MarkFlagRequired("model-name")
}
