// prgldkey manages the ed25519 node and account keys of gamerchain.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Zollkron/gamerchain-sub000/internal/flags"
)

const defaultKeyfileName = "keyfile"

// Git SHA1 commit hash of the release (set via linker flags)
var gitCommit = ""
var gitDate = ""

var app *cli.App

func init() {
	app = flags.NewApp(gitCommit, gitDate, "a gamerchain key manager")
	app.Commands = []*cli.Command{
		commandGenerate,
		commandInspect,
		commandSignMessage,
		commandVerifyMessage,
	}
}

// Commonly used command line flags.
var (
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "output JSON instead of human-readable format",
	}
)

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
