package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/env"
	"github.com/gdbrns/go-whatsapp-bot-fleet/pkg/log"
)

var rootCmd = &cobra.Command{
	Use:           "botfleet",
	Short:         "WhatsApp host bot that deploys and supervises user bot sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetLevel(env.GetEnvStringOrDefault("LOG_LEVEL", "info"))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decodeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Print(nil).Error(err.Error())
		os.Exit(1)
	}
}
