// Kioku is the per-user memory service.
//
// Configuration comes from an optional YAML file (--config or KIOKU_CONFIG),
// then KIOKU_* environment variables, after loading .env when present.
//
// Commands:
//
//	kioku serve       HTTP API, extraction consumer and scheduled jobs
//	kioku decay       one decay pass
//	kioku summarize   one summarization pass
//	kioku version
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bdobrica/Kioku/internal/kioku/cli"
)

func main() {
	if err := cli.RootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
