package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/tunecord/tunecord/tunecord"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Tunecord bot and ops API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := tunecord.New(cfg)
		if err != nil {
			log.Fatalf("error creating tunecord: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running tunecord: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
