package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"pkg.jsn.cam/phraseweight/internal/config"
	"pkg.jsn.cam/phraseweight/internal/sink"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		// Exit codes are handled by the app; anything else is a usage error.
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:      "phraseweight",
		Usage:     "aggregate phrase weights and rank phrases by total weight",
		Writer:    stdout,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"PW_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level (debug, info, warn, error)",
			},
			&cli.IntFlag{
				Name:    "parallelism",
				Aliases: []string{"p"},
				Usage:   "override the number of concurrent tasks",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "weigh",
				Usage:     "weight and aggregate occurrences into a weights snapshot",
				ArgsUsage: " ",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "newline-delimited phrase file"},
					&cli.BoolFlag{Name: "kafka", Usage: "read occurrences from the configured Kafka topic"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "weights snapshot path"},
					&cli.Int64Flag{Name: "base-weight", Usage: "weight given to each occurrence"},
					&cli.BoolFlag{Name: "normalize", Usage: "lowercase phrases and strip the | separator"},
				},
				Action: action(weighMode),
			},
			{
				Name:      "merge",
				Usage:     "merge weights snapshots into one",
				ArgsUsage: "SNAPSHOT...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "merged weights snapshot path"},
					&cli.StringSliceFlag{Name: "run-id", Usage: "also merge this run's rows from the configured database"},
					&cli.BoolFlag{Name: "list-runs", Usage: "list the run ids stored in the configured database and exit"},
				},
				Action: func(c *cli.Context) error {
					if c.Bool("list-runs") {
						return listRuns(c)
					}
					return action(mergeMode)(c)
				},
			},
			{
				Name:      "rank",
				Usage:     "rank the phrases of weights snapshots by total weight",
				ArgsUsage: "SNAPSHOT...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: `ranked output path, or "redis" for the configured list`},
				},
				Action: action(rankMode),
			},
			{
				Name:   "run",
				Usage:  "run the full pipeline as configured",
				Action: action(runMode),
			},
		},
	}
}

// mode adapts the loaded config to one subcommand
type mode func(c *cli.Context, cfg *config.Config) error

func weighMode(c *cli.Context, cfg *config.Config) error {
	switch {
	case c.IsSet("input") && c.Bool("kafka"):
		return fmt.Errorf("--input and --kafka are mutually exclusive")
	case c.IsSet("input"):
		cfg.Input.Kind = "file"
		cfg.Input.Path = c.String("input")
	case c.Bool("kafka"):
		cfg.Input.Kind = "kafka"
	}
	if !cfg.HasInput() {
		return fmt.Errorf("weigh needs --input, --kafka or input.kind in the config")
	}

	if c.IsSet("out") {
		cfg.Output.Weights = c.String("out")
	}
	if c.IsSet("base-weight") {
		cfg.BaseWeight = c.Int64("base-weight")
	}
	if c.IsSet("normalize") {
		cfg.Normalize = c.Bool("normalize")
	}

	cfg.Snapshots = nil
	cfg.Database.MergeRunIDs = nil
	cfg.Output.Ranked = ""
	return nil
}

func mergeMode(c *cli.Context, cfg *config.Config) error {
	cfg.Input.Kind = ""
	cfg.Snapshots = append(cfg.Snapshots, c.Args().Slice()...)
	cfg.Database.MergeRunIDs = append(cfg.Database.MergeRunIDs, c.StringSlice("run-id")...)
	if !cfg.HasMergeInputs() {
		return fmt.Errorf("merge needs at least one snapshot or --run-id")
	}

	if c.IsSet("out") {
		cfg.Output.Weights = c.String("out")
	}
	cfg.Output.Ranked = ""
	return nil
}

func rankMode(c *cli.Context, cfg *config.Config) error {
	cfg.Input.Kind = ""
	cfg.Snapshots = append(cfg.Snapshots, c.Args().Slice()...)
	if !cfg.HasMergeInputs() {
		return fmt.Errorf("rank needs at least one snapshot")
	}

	if c.IsSet("out") {
		cfg.Output.Ranked = c.String("out")
	}
	if cfg.Output.Ranked == "" {
		return fmt.Errorf("rank needs --out or output.ranked in the config")
	}

	// Ranking only reads weights; it never writes them back.
	cfg.Output.Weights = ""
	cfg.Database.DSN, cfg.Database.Driver = "", ""
	cfg.Database.MergeRunIDs = nil
	return nil
}

func runMode(*cli.Context, *config.Config) error {
	return nil
}

// listRuns prints the run ids that merge --run-id can fold in
func listRuns(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	if cfg.Database.Driver == "" {
		return cli.Exit("--list-runs needs database.driver in the config", 1)
	}

	db, err := sink.OpenDB(c.Context, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Table)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer db.Close()

	runs, err := db.Runs(c.Context)
	if err != nil {
		return cli.Exit(err, 1)
	}

	if len(runs) == 0 {
		fmt.Fprintln(c.App.Writer, "No runs found")
		return nil
	}
	for _, id := range runs {
		fmt.Fprintln(c.App.Writer, id)
	}
	return nil
}

// action loads the config, applies the global flags and the subcommand's
// mode, then executes the run. Every failure exits with status 1.
func action(m mode) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return cli.Exit(err, 1)
		}

		if c.IsSet("log-level") {
			cfg.Logging.Level = c.String("log-level")
		}
		if c.IsSet("parallelism") {
			cfg.Parallelism = c.Int("parallelism")
		}

		if err := m(c, cfg); err != nil {
			return cli.Exit(err, 1)
		}
		if err := cfg.Validate(); err != nil {
			return cli.Exit(err, 1)
		}

		if err := execute(c.Context, cfg, c.App.Writer); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	}
}
