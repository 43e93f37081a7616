// Package main provides the vhost-device-sound process entrypoint.
package main

import (
	"context"
	"os"

	"github.com/rbright/vhost-device-sound/internal/app"
)

// main hands the command line to the application runner. Serving never returns; the process
// ends on a startup error or when it is signalled.
func main() {
	exitCode := app.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(exitCode)
}
