package main

import (
	"github.com/sagernet/fakecert/log"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	disableColor bool
)

var mainCommand = &cobra.Command{
	Use: "fakecert",
}

func init() {
	mainCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "set configuration file path")
	mainCommand.PersistentFlags().BoolVar(&disableColor, "disable-color", false, "disable color output")
}

func main() {
	if err := mainCommand.Execute(); err != nil {
		log.Fatal(err)
	}
}
