// peerbet runs one bilateral betting agent. All configuration is
// environment-keyed; flags exist so each variable is discoverable from
// --help and overridable on the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/peerbet/agent/internal/agent"
	"github.com/peerbet/agent/internal/config"
)

func main() {
	app := &cli.App{
		Name:  "peerbet",
		Usage: "peer-to-peer bilateral betting agent",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "private-key", EnvVars: []string{"PRIVATE_KEY"}, Usage: "hex signing key"},
			&cli.StringFlag{Name: "keystore", EnvVars: []string{"KEYSTORE_PATH"}, Usage: "keystore file path"},
			&cli.StringFlag{Name: "keystore-passphrase", EnvVars: []string{"KEYSTORE_PASSPHRASE"}},
			&cli.StringFlag{Name: "rpc-url", EnvVars: []string{"RPC_URL"}, Usage: "settlement chain JSON-RPC endpoint"},
			&cli.StringFlag{Name: "chain-id", EnvVars: []string{"CHAIN_ID"}},
			&cli.StringFlag{Name: "vault", EnvVars: []string{"VAULT_ADDRESS"}, Usage: "collateral vault contract"},
			&cli.StringFlag{Name: "directory", EnvVars: []string{"BOT_DIRECTORY_ADDRESS"}, Usage: "bot directory contract"},
			&cli.StringFlag{Name: "oracle-url", EnvVars: []string{"ORACLE_URL"}, Usage: "price oracle base URL"},
			&cli.StringFlag{Name: "endpoint", EnvVars: []string{"P2P_ENDPOINT"}, Usage: "advertised P2P URL"},
			&cli.StringFlag{Name: "port", EnvVars: []string{"P2P_PORT"}},
			&cli.StringFlag{Name: "role", EnvVars: []string{"ROLE"}, Usage: "maker or taker"},
			&cli.StringFlag{Name: "stake", EnvVars: []string{"STAKE_AMOUNT"}, Usage: "stake per bet in tokens"},
			&cli.StringFlag{Name: "log-level", EnvVars: []string{"LOG_LEVEL"}},
			&cli.BoolFlag{Name: "metrics", EnvVars: []string{"METRICS_ENABLED"}, Usage: "enable internal metrics collection"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagEnv maps cli flags onto the config loader's getenv, so command-line
// values win over the process environment.
func flagEnv(c *cli.Context) func(string) string {
	byEnv := make(map[string]string)
	for _, f := range c.App.Flags {
		sf, ok := f.(*cli.StringFlag)
		if !ok || !c.IsSet(sf.Name) {
			continue
		}
		for _, env := range sf.EnvVars {
			byEnv[env] = c.String(sf.Name)
		}
	}
	return func(key string) string {
		if v, ok := byEnv[key]; ok {
			return v
		}
		return os.Getenv(key)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(flagEnv(c))
	if err != nil {
		return err
	}
	if err := initLogging(cfg.LogLevel); err != nil {
		return err
	}
	if c.Bool("metrics") {
		metrics.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func initLogging(level string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("bad LOG_LEVEL %q: %w", level, err)
	}
	useColor := isatty.IsTerminal(os.Stderr.Fd())
	handler := log.StreamHandler(os.Stderr, log.TerminalFormat(useColor))
	log.Root().SetHandler(log.LvlFilterHandler(lvl, handler))
	return nil
}
