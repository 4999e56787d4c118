// Package main is the entry of the application.
package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/wasmshim/wasmshim/pkg/cmdhelper"
	"github.com/wasmshim/wasmshim/pkg/commands"
	"github.com/wasmshim/wasmshim/pkg/commands/cache"
)

const (
	appName = "wasmshim"
)

func main() {
	app := cli.Command{
		Name:                  appName,
		Usage:                 "Wasmshim manages wasm workloads backed by containerd",
		Suggest:               true,
		EnableShellCompletion: true,
		HideVersion:           true,
		Commands: []*cli.Command{
			commands.NewVersionCommand().ToCLI(),
			cache.New().ToCLI(),
		},
		ExitErrHandler: func(ctx context.Context, c *cli.Command, err error) {
			cli.HandleExitCoder(err)
			cmdhelper.Fprintf(c.ErrWriter, "Error: %+v\n", err)
			os.Exit(1)
		},
	}
	//nolint:errcheck // already checked in root command ExitErrHandler
	_ = app.Run(context.Background(), os.Args)
}
