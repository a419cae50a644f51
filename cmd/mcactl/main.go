package main

import (
	"github.com/alecthomas/kong"
	"github.com/davecgh/go-spew/spew"
)

const (
	programName = "mcactl"
	programDesc = "PlayStation memory card adapter control"
)

func main() {
	spew.Config.Indent = "  "

	// Parse kong flags and sub-commands
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	// Run the command
	err := ctx.Run(&context{})
	ctx.FatalIfErrorf(err)
}
