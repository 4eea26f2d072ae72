package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Zollkron/gamerchain-sub000/cmd/utils"
	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

type outputSign struct {
	Signature string
}

type outputVerify struct {
	Success          bool
	RecoveredAddress string
	RecoveredKey     string
}

var msgfileFlag = &cli.StringFlag{
	Name:  "msgfile",
	Usage: "file containing the message to sign/verify",
}

var commandSignMessage = &cli.Command{
	Name:      "signmessage",
	Usage:     "sign a message",
	ArgsUsage: "<keyfile> <message>",
	Description: `
Sign the message with a keyfile.

To sign a message contained in a file, use the --msgfile flag.
`,
	Flags: []cli.Flag{
		jsonFlag,
		msgfileFlag,
	},
	Action: func(ctx *cli.Context) error {
		message := getMessage(ctx, 1)

		key, err := crypto.LoadKey(ctx.Args().First())
		if err != nil {
			utils.Fatalf("Failed to read the keyfile: %v", err)
		}

		seal := crypto.Seal(key, signDigest(message))
		out := outputSign{Signature: hex.EncodeToString(seal)}
		if ctx.Bool(jsonFlag.Name) {
			mustPrintJSON(out)
		} else {
			fmt.Println("Signature:", out.Signature)
		}
		return nil
	},
}

var commandVerifyMessage = &cli.Command{
	Name:      "verifymessage",
	Usage:     "verify the signature of a signed message",
	ArgsUsage: "<address> <signature> <message>",
	Description: `
Verify the signature of the message.
It is possible to refer to a file containing the message.`,
	Flags: []cli.Flag{
		jsonFlag,
		msgfileFlag,
	},
	Action: func(ctx *cli.Context) error {
		addressStr := ctx.Args().First()
		signatureHex := ctx.Args().Get(1)
		message := getMessage(ctx, 2)

		address, err := common.ParseAddress(addressStr)
		if err != nil {
			utils.Fatalf("Invalid address: %v", err)
		}
		seal, err := hex.DecodeString(signatureHex)
		if err != nil {
			utils.Fatalf("Signature encoding is not hexadecimal: %v", err)
		}

		recovered, err := crypto.SealAddress(seal)
		if err == nil {
			err = crypto.VerifySeal(address, signDigest(message), seal)
		}
		if err != nil {
			if ctx.Bool(jsonFlag.Name) {
				mustPrintJSON(outputVerify{Success: false})
			} else {
				fmt.Println("Signature verification failed!")
			}
			return nil
		}

		out := outputVerify{
			Success:          true,
			RecoveredAddress: recovered.Bech32(),
			RecoveredKey:     hex.EncodeToString(seal[:crypto.PublicKeyLength]),
		}
		if ctx.Bool(jsonFlag.Name) {
			mustPrintJSON(out)
		} else {
			fmt.Println("Signature verification successful!")
			fmt.Println("Recovered public key:", out.RecoveredKey)
			fmt.Println("Recovered address:", out.RecoveredAddress)
		}
		return nil
	},
}

// signDigest hashes a free-form message under a domain prefix, so a signed
// message can never double as a valid transaction or vote seal.
func signDigest(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Gamerchain Signed Message:\n%d", len(message))
	return crypto.Sha3([]byte(prefix), message)
}

func getMessage(ctx *cli.Context, msgarg int) []byte {
	if file := ctx.String(msgfileFlag.Name); file != "" {
		if ctx.NArg() > msgarg {
			utils.Fatalf("Can't use --msgfile and message argument at the same time.")
		}
		msg, err := os.ReadFile(file)
		if err != nil {
			utils.Fatalf("Can't read message file: %v", err)
		}
		return msg
	} else if ctx.NArg() == msgarg+1 {
		return []byte(ctx.Args().Get(msgarg))
	}
	utils.Fatalf("Invalid number of arguments: want %d, got %d", msgarg+1, ctx.NArg())
	return nil
}
