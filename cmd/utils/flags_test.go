package utils

import (
	"flag"
	"reflect"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/Zollkron/gamerchain-sub000/params"
)

func Test_SplitTagsFlag(t *testing.T) {
	tests := []struct {
		name string
		args string
		want map[string]string
	}{
		{
			"2 tags case",
			"host=localhost,bzzkey=123",
			map[string]string{
				"host":   "localhost",
				"bzzkey": "123",
			},
		},
		{
			"1 tag case",
			"host=localhost123",
			map[string]string{
				"host": "localhost123",
			},
		},
		{
			"empty case",
			"",
			map[string]string{},
		},
		{
			"garbage",
			"smth=smthelse=123",
			map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitTagsFlag(tt.args); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitTagsFlag() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeartbeatFlagValue(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want uint64
	}{
		{name: "default heartbeat", args: nil, want: 5000},
		{name: "heartbeat flag", args: []string{"--heartbeat=750"}, want: 750},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := parseFlags(t, []cli.Flag{HeartbeatIntervalFlag}, tt.args)
			if got := ctx.Uint64(HeartbeatIntervalFlag.Name); got != tt.want {
				t.Fatalf("heartbeat = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNetworkFlagsIncludeTestnet(t *testing.T) {
	foundMainnet := false
	foundTestnet := false
	for _, f := range NetworkFlags {
		names := f.Names()
		if len(names) == 0 {
			continue
		}
		switch names[0] {
		case MainnetFlag.Name:
			foundMainnet = true
		case TestnetFlag.Name:
			foundTestnet = true
		}
	}
	if !foundMainnet || !foundTestnet {
		t.Fatalf("network flags missing built-ins: mainnet=%v testnet=%v", foundMainnet, foundTestnet)
	}
}

func TestMakeChainConfigTestnet(t *testing.T) {
	ctx := parseFlags(t, NetworkFlags, []string{"--testnet"})

	config := MakeChainConfig(ctx)
	if config == nil {
		t.Fatal("expected non-nil chain config for --testnet")
	}
	if config.NetworkID != params.TestnetNetworkID {
		t.Fatalf("unexpected network id: have %s want %s", config.NetworkID, params.TestnetNetworkID)
	}
	// The returned config must be a copy, never the shared preset.
	if config == params.TestnetChainConfig {
		t.Fatal("MakeChainConfig returned the shared preset")
	}
}

func parseFlags(t *testing.T, cliFlags []cli.Flag, args []string) *cli.Context {
	t.Helper()

	app := cli.NewApp()
	app.Flags = cliFlags

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range app.Flags {
		if err := f.Apply(set); err != nil {
			t.Fatalf("apply flag: %v", err)
		}
	}
	if err := set.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cli.NewContext(app, set, nil)
}
