// main package for the narrator-service
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/narrator-service/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := cli.Execute(ctx, cli.NewRootCommand(cli.LoadEnvironment))

	stop()
	os.Exit(code)
}
