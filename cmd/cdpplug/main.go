package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	devtoolsURL string
)

// rootCmd 命令行入口
var rootCmd = &cobra.Command{
	Use:          "cdpplug",
	Short:        "Browser automation plugins over the Chrome DevTools Protocol",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&devtoolsURL, "devtools", "", "DevTools HTTP endpoint (overrides devtools.url)")
	rootCmd.AddCommand(runCmd, targetsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
