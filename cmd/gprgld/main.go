// gprgld is the command line entry point of a gamerchain node.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/Zollkron/gamerchain-sub000/cmd/utils"
	"github.com/Zollkron/gamerchain-sub000/internal/flags"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/node"
)

const clientIdentifier = "gprgld" // Client identifier to advertise over the network

var (
	// Git SHA1 commit hash of the release (set via linker flags)
	gitCommit = ""
	gitDate   = ""
	// The app that holds all commands and flags.
	app = flags.NewApp(gitCommit, gitDate, "the gamerchain command line interface")

	// nodeFlags are the options configuring the node itself.
	nodeFlags = []cli.Flag{
		utils.DataDirFlag,
		utils.EphemeralFlag,
		utils.IdentityFlag,
		utils.NodeKeyFileFlag,
		utils.NodeKeyHexFlag,
		utils.ValidatorFlag,
		utils.PioneerFlag,
		utils.CacheFlag,
		utils.FDLimitFlag,
		utils.TxPoolCapacityFlag,
		utils.TxPoolLifetimeFlag,
		configFileFlag,
	}

	networkingFlags = []cli.Flag{
		utils.ListenAddrFlag,
		utils.AdvertiseAddrFlag,
		utils.MaxPeersFlag,
		utils.LowWaterFlag,
		utils.PeerEvictFlag,
		utils.HeartbeatIntervalFlag,
		utils.DialBackoffMinFlag,
		utils.DialBackoffMaxFlag,
		utils.StaticPeersFlag,
		utils.CoordinatorFlag,
		utils.CoordinatorKeyFlag,
		utils.LocationFlag,
	}

	apiFlags = []cli.Flag{
		utils.HTTPEnabledFlag,
		utils.HTTPAddrFlag,
		utils.HTTPCORSDomainFlag,
	}

	loggingFlags = []cli.Flag{
		utils.VerbosityFlag,
		utils.LogJSONFlag,
		utils.LogFileFlag,
	}

	metricsFlags = []cli.Flag{
		utils.MetricsEnabledFlag,
		utils.MetricsEnableInfluxDBFlag,
		utils.MetricsInfluxDBEndpointFlag,
		utils.MetricsInfluxDBDatabaseFlag,
		utils.MetricsInfluxDBUsernameFlag,
		utils.MetricsInfluxDBPasswordFlag,
		utils.MetricsInfluxDBTagsFlag,
		utils.MetricsEnableInfluxDBV2Flag,
		utils.MetricsInfluxDBTokenFlag,
		utils.MetricsInfluxDBBucketFlag,
		utils.MetricsInfluxDBOrganizationFlag,
	}
)

func init() {
	// Initialize the CLI app and start gprgld
	app.Action = gprgld
	app.HideVersion = true // we have a command to print the version
	app.Commands = []*cli.Command{
		versionCommand,
		licenseCommand,
		dumpConfigCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	app.Flags = flags.Merge(
		nodeFlags,
		utils.NetworkFlags,
		networkingFlags,
		apiFlags,
		loggingFlags,
		metricsFlags,
	)

	before := app.Before
	app.Before = func(ctx *cli.Context) error {
		if err := before(ctx); err != nil {
			return err
		}
		if err := utils.SetupLogger(ctx); err != nil {
			return err
		}
		utils.SetupMetrics(ctx)
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// gprgld is the main entry point into the system if no special subcommand is
// run. It creates a default node based on the command line arguments and
// runs it in blocking mode, waiting for it to be shut down.
func gprgld(ctx *cli.Context) error {
	if args := ctx.Args().Slice(); len(args) > 0 {
		return fmt.Errorf("invalid command: %q", args[0])
	}
	stack := makeFullNode(ctx)
	startNode(ctx, stack)
	printBanner(stack)
	if err := stack.Wait(); err != nil {
		// Persistence and invariant failures surface here; the operator
		// must intervene before a restart.
		return err
	}
	return nil
}

// startNode boots up the stack and installs the interrupt handler that turns
// the first signal into a cooperative shutdown.
func startNode(ctx *cli.Context, stack *node.Node) {
	if err := stack.Start(); err != nil {
		utils.Fatalf("Error starting node: %v", err)
	}
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)

		<-sigc
		log.Info("Got interrupt, shutting down...")
		go stack.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.Warn("Already shutting down, interrupt more to panic.", "times", i-1)
			}
		}
		panic("Panic closing the node")
	}()
}
