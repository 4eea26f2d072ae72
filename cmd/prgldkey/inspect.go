package main

import (
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/Zollkron/gamerchain-sub000/cmd/utils"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

type outputInspect struct {
	Address    string
	PublicKey  string
	PrivateKey string `json:",omitempty"`
}

var privateFlag = &cli.BoolFlag{
	Name:  "private",
	Usage: "include the private key seed in the output",
}

var commandInspect = &cli.Command{
	Name:      "inspect",
	Usage:     "inspect a keyfile",
	ArgsUsage: "<keyfile>",
	Description: `
Print various information about the keyfile.

Private key information can be printed by using the --private flag;
make sure to use this feature with great caution!`,
	Flags: []cli.Flag{
		jsonFlag,
		privateFlag,
	},
	Action: func(ctx *cli.Context) error {
		keyfilepath := ctx.Args().First()

		key, err := crypto.LoadKey(keyfilepath)
		if err != nil {
			utils.Fatalf("Failed to read the keyfile at '%s': %v", keyfilepath, err)
		}
		pub := crypto.PublicFromPrivate(key)

		out := outputInspect{
			Address:   crypto.PubkeyToAddress(pub).Bech32(),
			PublicKey: hex.EncodeToString(pub),
		}
		if ctx.Bool(privateFlag.Name) {
			out.PrivateKey = hex.EncodeToString(key.Seed())
		}

		if ctx.Bool(jsonFlag.Name) {
			mustPrintJSON(out)
		} else {
			fmt.Println("Address:       ", out.Address)
			fmt.Println("Public key:    ", out.PublicKey)
			if ctx.Bool(privateFlag.Name) {
				fmt.Println("Private key:   ", out.PrivateKey)
			}
		}
		return nil
	},
}
