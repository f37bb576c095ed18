package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roadrunner-server/harness/internal/cli"
)

// set with -ldflags at build time
var version = "dev"

func main() {
	app := cli.NewApp(os.Exit)

	err := app.Command(version).ExecuteContext(context.Background())
	app.Close()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
