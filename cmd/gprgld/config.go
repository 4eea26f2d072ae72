package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/Zollkron/gamerchain-sub000/cmd/utils"
	"github.com/Zollkron/gamerchain-sub000/internal/flags"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/node"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: flags.NodeCategory,
	}

	dumpConfigCommand = &cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Show configuration values",
		ArgsUsage:   "",
		Flags:       app.Flags,
		Description: `The dumpconfig command shows configuration values.`,
	}
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		if unicode.IsUpper(rune(field[0])) {
			return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
		}
		// Lowercase fields are silently ignored, so config files can carry
		// operator comments in unknown keys without tripping the loader.
		return nil
	},
}

type gprgldConfig struct {
	Node    node.Config
	Metrics metrics.Config
}

func loadConfig(file string, cfg *gprgldConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfigNode resolves the complete node configuration: supervisor
// defaults, then the optional TOML file, then the command line.
func makeConfigNode(ctx *cli.Context) gprgldConfig {
	cfg := gprgldConfig{
		Node:    node.DefaultConfig,
		Metrics: metrics.DefaultConfig,
	}
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			utils.Fatalf("%v", err)
		}
	}
	utils.SetNodeConfig(ctx, &cfg.Node)
	return cfg
}

func makeFullNode(ctx *cli.Context) *node.Node {
	cfg := makeConfigNode(ctx)
	stack, err := node.New(&cfg.Node)
	if err != nil {
		utils.Fatalf("Failed to create the node: %v", err)
	}
	return stack
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg := makeConfigNode(ctx)
	comment := fmt.Sprintf("# Chain: %s\n# Node: %s\n\n", cfg.Node.Chain.NetworkID, cfg.Node.Name)

	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	os.Stdout.WriteString(comment)
	os.Stdout.Write(out)
	return nil
}
