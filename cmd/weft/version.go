package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weft/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			info := version.Resolve()
			_, _ = fmt.Fprintf(w, "weft %s\n", version.String())
			for _, kv := range [][2]string{{"commit", info.Commit}, {"built", info.BuildTime}} {
				if kv[1] != "" {
					_, _ = fmt.Fprintf(w, "%-8s%s\n", kv[0]+":", kv[1])
				}
			}
			return nil
		},
	}
}
