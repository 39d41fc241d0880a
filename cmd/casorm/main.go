package main

import (
	"fmt"
	"os"

	"github.com/unkn0wn-root/casorm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "casorm:", err)
		os.Exit(cli.ExitCode(err))
	}
}
