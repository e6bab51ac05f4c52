package main

import (
	"context"

	"github.com/sagernet/fakecert"
	"github.com/sagernet/fakecert/log"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

var commandCheck = &cobra.Command{
	Use:   "check",
	Short: "Check configuration",
	Run: func(cmd *cobra.Command, args []string) {
		err := check()
		if err != nil {
			log.Fatal(err)
		}
	},
	Args: cobra.NoArgs,
}

func init() {
	mainCommand.AddCommand(commandCheck)
}

func check() error {
	options, err := readConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance, err := fakecert.NewService(fakecert.Options{
		Options: options,
		Context: ctx,
	})
	if err != nil {
		return err
	}
	// Creating tenants validates CA material and hostname policies
	// without binding any sockets.
	for _, tenantOptions := range options.Tenants {
		_, err = instance.Registry().Create(tenantOptions)
		if err != nil {
			instance.Close()
			return E.Cause(err, "create tenant ", tenantOptions.Name)
		}
	}
	return instance.Close()
}
