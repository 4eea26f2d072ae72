package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/Zollkron/gamerchain-sub000/node"
	"github.com/Zollkron/gamerchain-sub000/params"
)

// printBanner writes the startup banner with the resolved identity and
// network parameters. Color is dropped automatically on non-terminals.
func printBanner(stack *node.Node) {
	title := color.New(color.FgCyan, color.Bold)
	title.Printf("%s v%s\n", clientIdentifier, params.VersionWithMeta)

	fmt.Printf("Identity: %s\n", stack.Self().Bech32())
	fmt.Println(stack.ChainConfig().String())
	if endpoint := stack.HTTPEndpoint(); endpoint != "" {
		fmt.Printf("HTTP API: http://%s\n", endpoint)
	}
}
