package main

import (
	"log/slog"

	"git.home.luguber.info/inful/licensetool/cmd/licensetool/commands"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/version"
	"github.com/alecthomas/kong"
)

func main() {
	cli := &commands.CLI{}
	global := &commands.Global{}

	ctx := kong.Parse(cli,
		kong.Name("licensetool"),
		kong.Description("Keeps a Maven project's CycloneDX dependency manifest current."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
		kong.Bind(global),
	)

	err := ctx.Run(global, cli)
	ferrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).HandleError(err)
}
