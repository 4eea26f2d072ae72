// Package utils contains internal helper functions for gamerchain commands.
package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	gopsutil "github.com/shirou/gopsutil/mem"
	"github.com/urfave/cli/v2"

	"github.com/Zollkron/gamerchain-sub000/core"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/internal/flags"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/metrics/influxdb"
	"github.com/Zollkron/gamerchain-sub000/node"
	"github.com/Zollkron/gamerchain-sub000/p2p"
	"github.com/Zollkron/gamerchain-sub000/params"
)

var (
	// General settings
	DataDirFlag = &flags.DirectoryFlag{
		Name:     "datadir",
		Usage:    "Data directory for the databases and node key",
		Value:    flags.DirectoryString(node.DefaultDataDir()),
		Category: flags.NodeCategory,
	}
	EphemeralFlag = &cli.BoolFlag{
		Name:     "ephemeral",
		Usage:    "Run fully in memory, without any on-disk state (testing only)",
		Category: flags.NodeCategory,
	}
	IdentityFlag = &cli.StringFlag{
		Name:     "identity",
		Usage:    "Custom node name reported in logs",
		Category: flags.NodeCategory,
	}
	NodeKeyFileFlag = &cli.StringFlag{
		Name:     "nodekey",
		Usage:    "P2P and consensus node key file",
		Category: flags.NodeCategory,
	}
	NodeKeyHexFlag = &cli.StringFlag{
		Name:     "nodekeyhex",
		Usage:    "P2P and consensus node key as hex (for testing)",
		Category: flags.NodeCategory,
	}
	ValidatorFlag = &cli.BoolFlag{
		Name:     "validator",
		Usage:    "Enable the AI-node role: vote on proposals and produce blocks in turn",
		Category: flags.NodeCategory,
	}
	PioneerFlag = &cli.BoolFlag{
		Name:     "pioneer",
		Usage:    "Take part in forming the genesis of a new network (implies --validator)",
		Category: flags.NodeCategory,
	}

	// Chain selection
	MainnetFlag = &cli.BoolFlag{
		Name:     "mainnet",
		Usage:    "Gamerchain main network",
		Category: flags.ChainCategory,
	}
	TestnetFlag = &cli.BoolFlag{
		Name:     "testnet",
		Usage:    "Gamerchain test network",
		Category: flags.ChainCategory,
	}

	// Performance tuning settings
	CacheFlag = &cli.IntFlag{
		Name:     "cache",
		Usage:    "Megabytes of memory allocated to internal caching (default = system memory / 3)",
		Value:    node.DefaultConfig.DatabaseCache,
		Category: flags.PerfCategory,
	}
	FDLimitFlag = &cli.IntFlag{
		Name:     "fdlimit",
		Usage:    "Raise the open file descriptor allowance used by the database",
		Value:    node.DefaultConfig.DatabaseHandles,
		Category: flags.PerfCategory,
	}

	// Transaction pool settings
	TxPoolCapacityFlag = &cli.Uint64Flag{
		Name:     "txpool.capacity",
		Usage:    "Maximum number of pending transactions held in the pool",
		Value:    core.DefaultTxPoolConfig.Capacity,
		Category: flags.TxPoolCategory,
	}
	TxPoolLifetimeFlag = &cli.DurationFlag{
		Name:     "txpool.lifetime",
		Usage:    "Maximum amount of time a transaction may wait for inclusion",
		Value:    core.DefaultTxPoolConfig.Lifetime,
		Category: flags.TxPoolCategory,
	}

	// Networking settings
	ListenAddrFlag = &cli.StringFlag{
		Name:     "addr",
		Usage:    "TCP address the networking layer listens on (empty = dial only)",
		Value:    node.DefaultListenAddr,
		Category: flags.NetworkingCategory,
	}
	AdvertiseAddrFlag = &cli.StringFlag{
		Name:     "advertiseaddr",
		Usage:    "Address announced to peers and the coordinator (default = bound listener address)",
		Category: flags.NetworkingCategory,
	}
	MaxPeersFlag = &cli.IntFlag{
		Name:     "maxpeers",
		Usage:    "Maximum number of network peers",
		Value:    node.DefaultConfig.MaxPeers,
		Category: flags.NetworkingCategory,
	}
	LowWaterFlag = &cli.IntFlag{
		Name:     "lowwater",
		Usage:    "Peer count below which the directory is queried for fresh candidates (default = maxpeers/4)",
		Category: flags.NetworkingCategory,
	}
	PeerEvictFlag = &cli.BoolFlag{
		Name:     "peers.evict",
		Usage:    "Evict the least recently seen peer instead of rejecting connections at --maxpeers",
		Category: flags.NetworkingCategory,
	}
	HeartbeatIntervalFlag = &cli.Uint64Flag{
		Name:     "heartbeat",
		Usage:    "Keep-alive interval on peer connections, in milliseconds",
		Value:    5000,
		Category: flags.NetworkingCategory,
	}
	DialBackoffMinFlag = &cli.Uint64Flag{
		Name:     "backoff.min",
		Usage:    "Minimum redial backoff after a failed connection, in milliseconds",
		Value:    1000,
		Category: flags.NetworkingCategory,
	}
	DialBackoffMaxFlag = &cli.Uint64Flag{
		Name:     "backoff.max",
		Usage:    "Maximum redial backoff after repeated failures, in milliseconds",
		Value:    120_000,
		Category: flags.NetworkingCategory,
	}
	StaticPeersFlag = &cli.StringFlag{
		Name:     "staticpeers",
		Usage:    "Comma separated peer addresses dialed and redialed forever",
		Category: flags.NetworkingCategory,
	}
	CoordinatorFlag = &cli.StringFlag{
		Name:     "coordinator",
		Usage:    "Base URL of the network coordinator directory (empty = static peers only)",
		Category: flags.NetworkingCategory,
	}
	CoordinatorKeyFlag = &cli.StringFlag{
		Name:     "coordinator.pubkey",
		Usage:    "Hex encoded public key the coordinator roster must be signed with",
		Category: flags.NetworkingCategory,
	}
	LocationFlag = &cli.StringFlag{
		Name:     "location",
		Usage:    "Free-form locality hint forwarded to the coordinator",
		Category: flags.NetworkingCategory,
	}

	// API settings
	HTTPEnabledFlag = &cli.BoolFlag{
		Name:     "http",
		Usage:    "Enable the HTTP wallet API and the websocket head stream",
		Category: flags.APICategory,
	}
	HTTPAddrFlag = &cli.StringFlag{
		Name:     "http.addr",
		Usage:    "Listen address of the HTTP API",
		Value:    node.DefaultHTTPAddr,
		Category: flags.APICategory,
	}
	HTTPCORSDomainFlag = &cli.StringFlag{
		Name:     "http.corsdomain",
		Usage:    "Comma separated list of domains from which to accept cross origin requests (browser enforced)",
		Category: flags.APICategory,
	}

	// Logging and debug settings
	VerbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: flags.LoggingCategory,
	}
	LogJSONFlag = &cli.BoolFlag{
		Name:     "log.json",
		Usage:    "Format logs with JSON",
		Category: flags.LoggingCategory,
	}
	LogFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a file",
		Category: flags.LoggingCategory,
	}

	// Metrics flags
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and reporting",
		Category: flags.MetricsCategory,
	}
	MetricsEnableInfluxDBFlag = &cli.BoolFlag{
		Name:     "metrics.influxdb",
		Usage:    "Enable metrics export/push to an external InfluxDB database",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBEndpointFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.endpoint",
		Usage:    "InfluxDB API endpoint to report metrics to",
		Value:    metrics.DefaultConfig.InfluxDBEndpoint,
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBDatabaseFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.database",
		Usage:    "InfluxDB database name to push reported metrics to",
		Value:    metrics.DefaultConfig.InfluxDBDatabase,
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBUsernameFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.username",
		Usage:    "Username to authorize access to the database",
		Value:    metrics.DefaultConfig.InfluxDBUsername,
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBPasswordFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.password",
		Usage:    "Password to authorize access to the database",
		Value:    metrics.DefaultConfig.InfluxDBPassword,
		Category: flags.MetricsCategory,
	}
	// Tags are part of every measurement sent to InfluxDB. Queries on tags are faster in InfluxDB.
	// For example `host` tag could be used so that we can group all nodes and average a measurement
	// across all of them, but also so that we can select a specific node and inspect its measurements.
	// https://docs.influxdata.com/influxdb/v1.4/concepts/key_concepts/#tag-key
	MetricsInfluxDBTagsFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.tags",
		Usage:    "Comma-separated InfluxDB tags (key/values) attached to all measurements",
		Value:    metrics.DefaultConfig.InfluxDBTags,
		Category: flags.MetricsCategory,
	}
	MetricsEnableInfluxDBV2Flag = &cli.BoolFlag{
		Name:     "metrics.influxdbv2",
		Usage:    "Enable metrics export/push to an external InfluxDB v2 database",
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBTokenFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.token",
		Usage:    "Token to authorize access to the database (v2 only)",
		Value:    metrics.DefaultConfig.InfluxDBToken,
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBBucketFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.bucket",
		Usage:    "InfluxDB bucket name to push reported metrics to (v2 only)",
		Value:    metrics.DefaultConfig.InfluxDBBucket,
		Category: flags.MetricsCategory,
	}
	MetricsInfluxDBOrganizationFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.organization",
		Usage:    "InfluxDB organization name (v2 only)",
		Value:    metrics.DefaultConfig.InfluxDBOrganization,
		Category: flags.MetricsCategory,
	}
)

// NetworkFlags is the flag group of all built-in networks.
var NetworkFlags = []cli.Flag{
	MainnetFlag,
	TestnetFlag,
}

// MakeDataDir retrieves the currently requested data directory, terminating
// if none (or the empty string) is specified.
func MakeDataDir(ctx *cli.Context) string {
	if ctx.Bool(EphemeralFlag.Name) {
		return ""
	}
	if path := ctx.String(DataDirFlag.Name); path != "" {
		return path
	}
	Fatalf("Cannot determine default data directory, please set manually (--%s)", DataDirFlag.Name)
	return ""
}

// MakeChainConfig resolves the protocol configuration from the network
// selection flags. Mainnet is the default.
func MakeChainConfig(ctx *cli.Context) *params.ChainConfig {
	CheckExclusive(ctx, MainnetFlag, TestnetFlag)
	if ctx.Bool(TestnetFlag.Name) {
		return params.TestnetChainConfig.Copy()
	}
	return params.MainnetChainConfig.Copy()
}

// setNodeKey loads a node key from command line flags if provided, falling
// back to the persistent key file under the instance directory, creating one
// on first use. Ephemeral nodes run on a throwaway key.
func setNodeKey(ctx *cli.Context, cfg *node.Config) {
	if file, hex := ctx.String(NodeKeyFileFlag.Name), ctx.String(NodeKeyHexFlag.Name); file != "" || hex != "" {
		if file != "" && hex != "" {
			Fatalf("Options %q and %q are mutually exclusive", NodeKeyFileFlag.Name, NodeKeyHexFlag.Name)
		}
		var err error
		if file != "" {
			if cfg.Key, err = crypto.LoadKey(file); err != nil {
				Fatalf("Option %q: %v", NodeKeyFileFlag.Name, err)
			}
		} else {
			if cfg.Key, err = crypto.HexToKey(hex); err != nil {
				Fatalf("Option %q: %v", NodeKeyHexFlag.Name, err)
			}
		}
		return
	}
	if cfg.DataDir == "" {
		_, key, err := crypto.GenerateKey()
		if err != nil {
			Fatalf("Failed to generate ephemeral node key: %v", err)
		}
		cfg.Key = key
		return
	}
	keyfile := filepath.Join(cfg.DataDir, cfg.Chain.NetworkID, "nodekey")
	if key, err := crypto.LoadKey(keyfile); err == nil {
		cfg.Key = key
		return
	}
	// No persistent key found, generate and store a new one.
	_, key, err := crypto.GenerateKey()
	if err != nil {
		Fatalf("Failed to generate node key: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyfile), 0700); err != nil {
		Fatalf("Failed to create node key directory: %v", err)
	}
	if err := crypto.SaveKey(keyfile, key); err != nil {
		Fatalf("Failed to persist node key: %v", err)
	}
	log.Info("New node key generated", "path", keyfile)
	cfg.Key = key
}

func setNetworking(ctx *cli.Context, cfg *node.Config) {
	if ctx.IsSet(ListenAddrFlag.Name) || cfg.ListenAddr == "" {
		cfg.ListenAddr = ctx.String(ListenAddrFlag.Name)
	}
	cfg.AdvertiseAddr = ctx.String(AdvertiseAddrFlag.Name)
	if ctx.IsSet(MaxPeersFlag.Name) {
		cfg.MaxPeers = ctx.Int(MaxPeersFlag.Name)
	}
	if ctx.IsSet(LowWaterFlag.Name) {
		cfg.LowWater = ctx.Int(LowWaterFlag.Name)
	}
	cfg.EvictWhenFull = ctx.Bool(PeerEvictFlag.Name)
	if ctx.IsSet(HeartbeatIntervalFlag.Name) {
		cfg.HeartbeatInterval = time.Duration(ctx.Uint64(HeartbeatIntervalFlag.Name)) * time.Millisecond
	}
	if ctx.IsSet(DialBackoffMinFlag.Name) {
		cfg.DialBackoffMin = time.Duration(ctx.Uint64(DialBackoffMinFlag.Name)) * time.Millisecond
	}
	if ctx.IsSet(DialBackoffMaxFlag.Name) {
		cfg.DialBackoffMax = time.Duration(ctx.Uint64(DialBackoffMaxFlag.Name)) * time.Millisecond
	}
	cfg.StaticNodes = SplitAndTrim(ctx.String(StaticPeersFlag.Name))
	cfg.Location = ctx.String(LocationFlag.Name)

	if url := ctx.String(CoordinatorFlag.Name); url != "" {
		hexkey := ctx.String(CoordinatorKeyFlag.Name)
		if hexkey == "" {
			Fatalf("Option %q requires %q", CoordinatorFlag.Name, CoordinatorKeyFlag.Name)
		}
		key, err := crypto.HexToKey(hexkey)
		if err != nil {
			Fatalf("Option %q: %v", CoordinatorKeyFlag.Name, err)
		}
		cfg.Directory = p2p.NewHTTPDirectory(url, crypto.PublicFromPrivate(key))
	}
}

func setHTTP(ctx *cli.Context, cfg *node.Config) {
	if !ctx.Bool(HTTPEnabledFlag.Name) {
		cfg.HTTPAddr = ""
		return
	}
	cfg.HTTPAddr = ctx.String(HTTPAddrFlag.Name)
	cfg.HTTPCors = SplitAndTrim(ctx.String(HTTPCORSDomainFlag.Name))
}

func setTxPool(ctx *cli.Context, cfg *core.TxPoolConfig) {
	if ctx.IsSet(TxPoolCapacityFlag.Name) {
		cfg.Capacity = ctx.Uint64(TxPoolCapacityFlag.Name)
	}
	if ctx.IsSet(TxPoolLifetimeFlag.Name) {
		cfg.Lifetime = ctx.Duration(TxPoolLifetimeFlag.Name)
	}
}

func setDatabase(ctx *cli.Context, cfg *node.Config) {
	cache := ctx.Int(CacheFlag.Name)

	// Cap the cache allowance to keep the node inside system memory. Note
	// this is skipped on 32 bit systems where the address space is the
	// binding constraint anyway.
	if !ctx.IsSet(CacheFlag.Name) && 64<<(^uintptr(0)>>63) == 64 {
		if vm, err := gopsutil.VirtualMemory(); err == nil {
			allowance := int(vm.Total / 1024 / 1024 / 3)
			if cache > allowance {
				log.Warn("Sanitizing cache to system's memory allowance", "provided", cache, "updated", allowance)
				cache = allowance
			}
		}
	}
	cfg.DatabaseCache = cache
	if ctx.IsSet(FDLimitFlag.Name) {
		cfg.DatabaseHandles = ctx.Int(FDLimitFlag.Name)
	}
}

// SetNodeConfig applies command line options on top of the supervisor
// defaults. The chain configuration must already be resolved through
// MakeChainConfig.
func SetNodeConfig(ctx *cli.Context, cfg *node.Config) {
	if cfg.Chain == nil {
		cfg.Chain = MakeChainConfig(ctx)
	}
	if ctx.IsSet(IdentityFlag.Name) {
		cfg.Name = ctx.String(IdentityFlag.Name)
	}
	if ctx.IsSet(DataDirFlag.Name) || cfg.DataDir == "" {
		cfg.DataDir = MakeDataDir(ctx)
	}
	if ctx.Bool(EphemeralFlag.Name) {
		cfg.DataDir = ""
	}
	cfg.Validator = ctx.Bool(ValidatorFlag.Name)
	if ctx.Bool(PioneerFlag.Name) {
		cfg.Pioneer = true
		cfg.Validator = true
	}
	setNodeKey(ctx, cfg)
	setNetworking(ctx, cfg)
	setHTTP(ctx, cfg)
	setTxPool(ctx, &cfg.Pool)
	setDatabase(ctx, cfg)
}

// SetupLogger mounts the root log handler according to the logging flags.
func SetupLogger(ctx *cli.Context) error {
	var (
		handler log.Handler
		usejson = ctx.Bool(LogJSONFlag.Name)
	)
	if file := ctx.String(LogFileFlag.Name); file != "" {
		format := log.LogfmtFormat()
		if usejson {
			format = log.JSONFormat()
		}
		fileHandler, err := log.FileHandler(file, format)
		if err != nil {
			return err
		}
		handler = fileHandler
	} else if usejson {
		handler = log.StreamHandler(os.Stderr, log.JSONFormat())
	} else {
		usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
		output := io.Writer(os.Stderr)
		if usecolor {
			output = colorable.NewColorableStderr()
		}
		handler = log.StreamHandler(output, log.TerminalFormat(usecolor))
	}
	verbosity := log.Lvl(ctx.Int(VerbosityFlag.Name))
	log.Root().SetHandler(log.LvlFilterHandler(verbosity, handler))
	return nil
}

// SetupMetrics starts the metric reporters selected by the metrics flags.
func SetupMetrics(ctx *cli.Context) {
	if !metrics.Enabled {
		return
	}
	log.Info("Enabling metrics collection")

	var (
		enableExport   = ctx.Bool(MetricsEnableInfluxDBFlag.Name)
		enableExportV2 = ctx.Bool(MetricsEnableInfluxDBV2Flag.Name)
	)
	if enableExport || enableExportV2 {
		CheckExclusive(ctx, MetricsEnableInfluxDBFlag, MetricsEnableInfluxDBV2Flag)

		v1FlagIsSet := ctx.IsSet(MetricsInfluxDBUsernameFlag.Name) ||
			ctx.IsSet(MetricsInfluxDBPasswordFlag.Name)

		v2FlagIsSet := ctx.IsSet(MetricsInfluxDBTokenFlag.Name) ||
			ctx.IsSet(MetricsInfluxDBOrganizationFlag.Name) ||
			ctx.IsSet(MetricsInfluxDBBucketFlag.Name)

		if enableExport && v2FlagIsSet {
			Fatalf("Flags --metrics.influxdb.organization, --metrics.influxdb.token, --metrics.influxdb.bucket are only available for influxdb-v2")
		} else if enableExportV2 && v1FlagIsSet {
			Fatalf("Flags --metrics.influxdb.username, --metrics.influxdb.password are only available for influxdb-v1")
		}
	}

	var (
		endpoint = ctx.String(MetricsInfluxDBEndpointFlag.Name)
		database = ctx.String(MetricsInfluxDBDatabaseFlag.Name)
		username = ctx.String(MetricsInfluxDBUsernameFlag.Name)
		password = ctx.String(MetricsInfluxDBPasswordFlag.Name)

		token        = ctx.String(MetricsInfluxDBTokenFlag.Name)
		bucket       = ctx.String(MetricsInfluxDBBucketFlag.Name)
		organization = ctx.String(MetricsInfluxDBOrganizationFlag.Name)
	)
	if enableExport {
		tagsMap := SplitTagsFlag(ctx.String(MetricsInfluxDBTagsFlag.Name))

		log.Info("Enabling metrics export to InfluxDB")
		go influxdb.InfluxDBWithTags(metrics.DefaultRegistry, 10*time.Second, endpoint, database, username, password, "gprgld.", tagsMap)
	} else if enableExportV2 {
		tagsMap := SplitTagsFlag(ctx.String(MetricsInfluxDBTagsFlag.Name))

		log.Info("Enabling metrics export to InfluxDB (v2)")
		go influxdb.InfluxDBV2WithTags(metrics.DefaultRegistry, 10*time.Second, endpoint, token, bucket, organization, "gprgld.", tagsMap)
	}
	go metrics.CollectProcessMetrics(3 * time.Second)
}

// SplitTagsFlag parses a comma separated list of key=value metrics tags.
func SplitTagsFlag(tagsFlag string) map[string]string {
	tags := strings.Split(tagsFlag, ",")
	tagsMap := map[string]string{}

	for _, t := range tags {
		if t != "" {
			kv := strings.Split(t, "=")

			if len(kv) == 2 {
				tagsMap[kv[0]] = kv[1]
			}
		}
	}
	return tagsMap
}

// SplitAndTrim splits input separated by a comma and trims excessive white
// space from the substrings.
func SplitAndTrim(input string) (ret []string) {
	l := strings.Split(input, ",")
	for _, r := range l {
		if r = strings.TrimSpace(r); r != "" {
			ret = append(ret, r)
		}
	}
	return ret
}

// CheckExclusive verifies that only a single instance of the provided flags
// was set by the user. Each flag might optionally be followed by a string
// type to specialize it further.
func CheckExclusive(ctx *cli.Context, args ...interface{}) {
	set := make([]string, 0, 1)
	for i := 0; i < len(args); i++ {
		// Make sure the next argument is a flag and skip if not set
		flag, ok := args[i].(cli.Flag)
		if !ok {
			panic(fmt.Sprintf("invalid argument, not cli.Flag type: %T", args[i]))
		}
		// Check if next arg extends current and expand its name if so
		name := flag.Names()[0]

		if i+1 < len(args) {
			switch option := args[i+1].(type) {
			case string:
				// Extended flag check, make sure value set doesn't conflict with passed in option
				if ctx.String(flag.Names()[0]) == option {
					name += "=" + option
					set = append(set, "--"+name)
				}
				// shift arguments and continue
				i++
				continue

			case cli.Flag:
			default:
				panic(fmt.Sprintf("invalid argument, not cli.Flag or string extension: %T", args[i+1]))
			}
		}
		// Mark the flag if it's set
		if ctx.IsSet(flag.Names()[0]) {
			set = append(set, "--"+name)
		}
	}
	if len(set) > 1 {
		Fatalf("Flags %v can't be used at the same time", strings.Join(set, ", "))
	}
}

// Fatalf formats a message to standard error and exits the program.
// The message is also printed to standard output if standard error
// is redirected to a different file.
func Fatalf(format string, args ...interface{}) {
	w := io.MultiWriter(os.Stdout, os.Stderr)
	if runtime.GOOS == "windows" {
		// The SameFile check below doesn't work on Windows.
		// stdout is unlikely to get redirected though, so just print there.
		w = os.Stdout
	} else {
		outf, _ := os.Stdout.Stat()
		errf, _ := os.Stderr.Stat()
		if outf != nil && errf != nil && os.SameFile(outf, errf) {
			w = os.Stderr
		}
	}
	fmt.Fprintf(w, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}
