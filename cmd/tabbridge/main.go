// main.go — CLI entrypoint: `tabbridge run` and `tabbridge status`.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "tabbridge",
		Short:         "Local automation bridge between tool clients and the browser extension",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tabbridge:", err)
		os.Exit(1)
	}
}
