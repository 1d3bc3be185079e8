// Command ledgerctl is the operator CLI for a chainledger replica.
package main

import (
	"context"
	"fmt"
	"os"

	"chainledger/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
