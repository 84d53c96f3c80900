package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_TESTHOST"

var (
	Sources = &cli.StringSliceFlag{
		Name:    "sources",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SOURCES"),
		Usage:   "Test sources to discover or run (eg. './tests/...', 'github.com/org/repo/pkg')",
	}
	Tests = &cli.StringSliceFlag{
		Name:    "tests",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TESTS"),
		Usage:   "Run only these test cases, given as 'source::TestName'. Replaces --sources for execution.",
	}
	Discover = &cli.BoolFlag{
		Name:    "discover",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DISCOVER"),
		Usage:   "List the tests in the sources instead of running them",
	}
	Settings = &cli.StringFlag{
		Name:    "settings",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SETTINGS"),
		Usage:   "Path to the run settings file (eg. 'testhost.yaml'), forwarded to every worker",
	}
	Worker = &cli.StringFlag{
		Name:    "worker",
		Value:   "op-testhost-worker",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKER"),
		Usage:   "Worker executable to launch for each test host",
	}
	WorkerArgs = &cli.StringSliceFlag{
		Name:    "worker-args",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKER_ARGS"),
		Usage:   "Extra arguments passed to every worker before the endpoint flags",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKDIR"),
		Usage:   "Working directory of the worker processes",
	}
	Parallelism = &cli.IntFlag{
		Name:    "parallelism",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PARALLELISM"),
		Usage:   "Maximum number of hosts per run (0 = number of CPUs)",
	}
	MaxHosts = &cli.IntFlag{
		Name:    "max-hosts",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_HOSTS"),
		Usage:   "Maximum number of live hosts across all runs (0 = number of CPUs)",
	}
	LaunchRate = &cli.Float64Flag{
		Name:    "launch-rate",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LAUNCH_RATE"),
		Usage:   "Maximum host launches per second (0 = unlimited)",
	}
	ShareHosts = &cli.BoolFlag{
		Name:    "share-hosts",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHARE_HOSTS"),
		Usage:   "Reuse a host for further partitions of the same run",
	}
	ConnectionTimeout = &cli.DurationFlag{
		Name:    "connection-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONNECTION_TIMEOUT"),
		Usage:   "How long to wait for a launched host to connect (eg. '30s'). Overrides the settings file.",
	}
	AbortGracePeriod = &cli.DurationFlag{
		Name:    "abort-grace-period",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ABORT_GRACE_PERIOD"),
		Usage:   "How long an aborted host may take to finish before it is killed",
	}
	ProtocolVersion = &cli.IntFlag{
		Name:    "protocol-version",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROTOCOL_VERSION"),
		Usage:   "Require this protocol version from every host (0 = negotiate)",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory to store run logs in. Each run gets a testrun-<id> subdirectory.",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Address of the healthz server. Empty disables it.",
	}
)

// Worker flags. The controller appends --endpoint and --parent-pid when it
// launches a worker.
var (
	Endpoint = &cli.StringFlag{
		Name:     "endpoint",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "ENDPOINT"),
		Usage:    "Controller address to connect back to",
	}
	ParentPID = &cli.IntFlag{
		Name:    "parent-pid",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PARENT_PID"),
		Usage:   "Exit when the process with this pid is gone (0 = no watchdog)",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GO_BINARY"),
		Usage:   "Path to the Go binary to use for running tests",
	}
	TestTimeout = &cli.DurationFlag{
		Name:    "test-timeout",
		Value:   10 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_TIMEOUT"),
		Usage:   "Timeout passed to go test for each source (0 = go test default)",
	}
	StaticDiscovery = &cli.BoolFlag{
		Name:    "static-discovery",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STATIC_DISCOVERY"),
		Usage:   "Discover tests by parsing _test.go files instead of running go test -list",
	}
)

// The controller needs --sources or --tests, which NewConfig checks.
var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	Sources,
	Tests,
	Discover,
	Settings,
	Worker,
	WorkerArgs,
	WorkDir,
	Parallelism,
	MaxHosts,
	LaunchRate,
	ShareHosts,
	ConnectionTimeout,
	AbortGracePeriod,
	ProtocolVersion,
	RunInterval,
	LogDir,
	HealthzAddr,
}

var workerRequiredFlags = []cli.Flag{
	Endpoint,
}

var workerOptionalFlags = []cli.Flag{
	ParentPID,
	GoBinary,
	TestTimeout,
	StaticDiscovery,
	WorkDir,
}

var (
	Flags       []cli.Flag
	WorkerFlags []cli.Flag
)

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)
	Flags = append(requiredFlags, optionalFlags...)

	workerOptionalFlags = append(workerOptionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	WorkerFlags = append(workerRequiredFlags, workerOptionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	return checkRequired(ctx, requiredFlags)
}

func CheckWorkerRequired(ctx *cli.Context) error {
	return checkRequired(ctx, workerRequiredFlags)
}

func checkRequired(ctx *cli.Context, required []cli.Flag) error {
	for _, f := range required {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
