// Command madfilter is the SMTP-layer OpenPGP policy filter. It listens on
// a loopback port, enforces encryption policy per the configured mode, and
// re-injects accepted mail into a downstream MTA.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/themadorg/madfilter/internal/config"
	"github.com/themadorg/madfilter/internal/metrics"
	"github.com/themadorg/madfilter/internal/policy"
	"github.com/themadorg/madfilter/internal/proxy"
	"github.com/themadorg/madfilter/internal/ratelimit"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "madfilter"
	app.Usage = "SMTP-layer OpenPGP encryption policy filter"
	app.Version = version
	app.ArgsUsage = "<config_path> <mode>"
	app.Description = `madfilter sits between a local mail transfer agent and the outside world,
accepting SMTP submissions on a loopback port and either rejecting each
message with a specific SMTP failure code or re-injecting it unchanged into
a second SMTP hop.

mode must be one of:
  outgoing   user -> world, encryption enforced on egress
  incoming   world -> user, encryption enforced per-recipient opt-in`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit(fmt.Sprintf("usage: %s <config_path> <mode>", c.App.Name), 2)
	}

	configPath := c.Args().Get(0)
	modeArg := c.Args().Get(1)

	var mode policy.Mode
	switch modeArg {
	case "outgoing":
		mode = policy.Outgoing
	case "incoming":
		mode = policy.Incoming
	default:
		return cli.Exit(fmt.Sprintf("invalid mode %q: must be \"incoming\" or \"outgoing\"", modeArg), 1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("loading config: %v", err), 1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return cli.Exit(fmt.Sprintf("starting logger: %v", err), 1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	m := metrics.New()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		if err := http.ListenAndServe("127.0.0.1:9091", mux); err != nil {
			sugar.Warnw("metrics endpoint stopped", "error", err)
		}
	}()

	listenPort := cfg.FiltermailSMTPPort
	reinjectPort := cfg.PostfixReinjectPort
	if mode == policy.Incoming {
		listenPort = cfg.FiltermailSMTPPortIn
		reinjectPort = cfg.PostfixReinjectPortIn
	}

	srv := &proxy.Server{
		Mode:         mode,
		ModeName:     modeArg,
		Config:       cfg,
		RateLimiter:  ratelimit.New(),
		Metrics:      m,
		Logger:       sugar,
		ListenPort:   listenPort,
		ReinjectPort: reinjectPort,
	}

	if err := srv.ListenAndServe(); err != nil {
		return cli.Exit(fmt.Sprintf("serving %s: %v", modeArg, err), 1)
	}
	return nil
}
