package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/Zollkron/gamerchain-sub000/cmd/utils"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

type outputGenerate struct {
	Address  string `json:"address"`
	Mnemonic string `json:"mnemonic,omitempty"`
}

var (
	seedHexFlag = &cli.StringFlag{
		Name:  "seed",
		Usage: "hex encoded 32 byte seed of an existing key to store",
	}
	mnemonicGenerateFlag = &cli.BoolFlag{
		Name:  "mnemonic-generate",
		Usage: "generate a BIP39 mnemonic and derive the key from it",
	}
	mnemonicFlag = &cli.StringFlag{
		Name:  "mnemonic",
		Usage: "use an existing BIP39 mnemonic to derive the key",
	}
	mnemonicBitsFlag = &cli.IntFlag{
		Name:  "mnemonic-bits",
		Usage: "entropy bits for a generated mnemonic (128,160,192,224,256)",
		Value: defaultMnemonicBits,
	}
)

var commandGenerate = &cli.Command{
	Name:      "generate",
	Usage:     "generate new keyfile",
	ArgsUsage: "[ <keyfile> ]",
	Description: `
Generate a new keyfile.

The key is stored as the hex encoded ed25519 seed. To store an existing key,
pass its seed with --seed. With --mnemonic-generate a BIP39 mnemonic is
created first and printed once; the same key can later be recovered from it
with --mnemonic. Mnemonic derivation asks for an optional passphrase.
`,
	Flags: []cli.Flag{
		jsonFlag,
		seedHexFlag,
		mnemonicGenerateFlag,
		mnemonicFlag,
		mnemonicBitsFlag,
	},
	Action: func(ctx *cli.Context) error {
		// Check if keyfile path given and make sure it doesn't already exist.
		keyfilepath := ctx.Args().First()
		if keyfilepath == "" {
			keyfilepath = defaultKeyfileName
		}
		if _, err := os.Stat(keyfilepath); err == nil {
			utils.Fatalf("Keyfile already exists at %s.", keyfilepath)
		} else if !os.IsNotExist(err) {
			utils.Fatalf("Error checking if keyfile exists: %v", err)
		}
		utils.CheckExclusive(ctx, seedHexFlag, mnemonicGenerateFlag, mnemonicFlag)

		var (
			key      crypto.PrivateKey
			mnemonic string
			err      error
		)
		switch {
		case ctx.IsSet(seedHexFlag.Name):
			key, err = crypto.HexToKey(ctx.String(seedHexFlag.Name))
			if err != nil {
				utils.Fatalf("Can't parse seed: %v", err)
			}
		case ctx.Bool(mnemonicGenerateFlag.Name):
			mnemonic, err = generateMnemonic(ctx.Int(mnemonicBitsFlag.Name))
			if err != nil {
				utils.Fatalf("Failed to generate mnemonic: %v", err)
			}
			passphrase := utils.GetPassPhrase("Optional BIP39 passphrase for the mnemonic.", true)
			if key, err = deriveKeyFromMnemonic(mnemonic, passphrase); err != nil {
				utils.Fatalf("Failed to derive key from mnemonic: %v", err)
			}
		case ctx.IsSet(mnemonicFlag.Name):
			passphrase := utils.GetPassPhrase("Optional BIP39 passphrase for the mnemonic.", false)
			if key, err = deriveKeyFromMnemonic(ctx.String(mnemonicFlag.Name), passphrase); err != nil {
				utils.Fatalf("Failed to derive key from mnemonic: %v", err)
			}
		default:
			if _, key, err = crypto.GenerateKey(); err != nil {
				utils.Fatalf("Failed to generate random private key: %v", err)
			}
		}

		// Store the key into the file with restrictive permissions.
		if err := os.MkdirAll(filepath.Dir(keyfilepath), 0700); err != nil {
			utils.Fatalf("Could not create directory %s", filepath.Dir(keyfilepath))
		}
		if err := crypto.SaveKey(keyfilepath, key); err != nil {
			utils.Fatalf("Failed to write keyfile to %s: %v", keyfilepath, err)
		}

		// Output some information.
		out := outputGenerate{
			Address:  crypto.PubkeyToAddress(crypto.PublicFromPrivate(key)).Bech32(),
			Mnemonic: mnemonic,
		}
		if ctx.Bool(jsonFlag.Name) {
			mustPrintJSON(out)
		} else {
			fmt.Println("Address:", out.Address)
			if out.Mnemonic != "" {
				fmt.Println("Mnemonic:", out.Mnemonic)
				fmt.Println("Keep the mnemonic safe, it is shown only once.")
			}
		}
		return nil
	},
}

// mustPrintJSON prints the JSON encoding of the given object and
// exits the program with an error message when the marshaling fails.
func mustPrintJSON(jsonObject interface{}) {
	str, err := json.MarshalIndent(jsonObject, "", "  ")
	if err != nil {
		utils.Fatalf("Failed to marshal JSON object: %v", err)
	}
	fmt.Println(string(str))
}
