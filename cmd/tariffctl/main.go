// tariffctl is the operational CLI: ingest documents, seed programs,
// verify HTS codes, and print stats. Exit codes: 0 success, 1 invalid
// input, 2 operational failure, 3 validation rejection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/halverson/tariffproof"
	"github.com/halverson/tariffproof/resolve"
	"github.com/halverson/tariffproof/store"
)

const (
	exitOK          = 0
	exitInvalid     = 1
	exitOperational = 2
	exitRejected    = 3
)

var (
	configPath string
	sourceKind string
	material   string
	asOf       string
	force      bool
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	root := &cobra.Command{
		Use:           "tariffctl",
		Short:         "Operate the tariff scope verification engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	ingestCmd := &cobra.Command{
		Use:   "ingest <locator>",
		Short: "Fetch and ingest a Tier-A document through its trusted connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *tariffproof.Engine) error {
				docID, created, err := e.Ingest(ctx, store.SourceKind(sourceKind), args[0])
				if err != nil {
					return operational(err)
				}
				return printJSON(map[string]any{"document_id": docID, "created": created})
			})
		},
	}
	ingestCmd.Flags().StringVar(&sourceKind, "source-kind", "csms_bulletin",
		"source kind: federal_register, csms_bulletin, usitc_hts")

	seedCmd := &cobra.Command{
		Use:   "seed <program>",
		Short: "Ingest a program's configured bootstrap documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *tariffproof.Engine) error {
				results, err := e.Seed(ctx, args[0])
				if err != nil {
					if errors.Is(err, tariffproof.ErrInvalidInput) {
						return invalid(err)
					}
					return operational(err)
				}
				return printJSON(results)
			})
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <hts>",
		Short: "Resolve an HTS code against every Section-232 program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *tariffproof.Engine) error {
				return runVerify(ctx, e, args[0])
			})
		},
	}
	verifyCmd.Flags().StringVar(&material, "material", "", "limit to one material (copper, steel, aluminum)")
	verifyCmd.Flags().StringVar(&asOf, "as-of", "", "resolve as of a date (YYYY-MM-DD)")
	verifyCmd.Flags().BoolVar(&force, "force", false, "skip L1 and re-run against the current corpus")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print corpus and audit counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *tariffproof.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return operational(err)
				}
				return printJSON(stats)
			})
		},
	}

	root.AddCommand(ingestCmd, seedCmd, verifyCmd, statsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ec *exitError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(exitInvalid)
	}
}

// runVerify resolves the HTS against each configured metal program and
// exits 3 when any resolution was blocked by validation.
func runVerify(ctx context.Context, e *tariffproof.Engine, hts string) error {
	programs := map[string]string{
		"section_232_copper":   "copper",
		"section_232_steel":    "steel",
		"section_232_aluminum": "aluminum",
	}

	rejected := false
	results := make(map[string]resolve.Resolution, len(programs))
	for program, m := range programs {
		if material != "" && material != m {
			continue
		}
		res := e.Resolve(ctx, resolve.Request{
			Program:  program,
			HTS:      hts,
			Material: m,
			AsOf:     asOf,
			Force:    force,
			Operator: os.Getenv("USER"),
		})
		if res.Outcome == resolve.OutcomeError {
			if res.Err.Kind == resolve.ErrKindInvalidInput {
				return invalid(errors.New(res.Err.Detail))
			}
			return operational(errors.New(res.Err.Detail))
		}
		if res.Outcome == resolve.OutcomeUnknown && res.Reason == resolve.UnknownGateRejected {
			rejected = true
		}
		results[program] = res
	}

	if err := printJSON(results); err != nil {
		return err
	}
	if rejected {
		return &exitError{code: exitRejected, err: errors.New("one or more answers were blocked by the write gate")}
	}
	return nil
}

// withEngine loads config, builds the engine, and tears it down.
func withEngine(fn func(context.Context, *tariffproof.Engine) error) error {
	cfg := tariffproof.DefaultConfig()
	if configPath != "" {
		loaded, err := tariffproof.LoadConfig(configPath)
		if err != nil {
			return invalid(err)
		}
		cfg = loaded
	}
	engine, err := tariffproof.New(cfg)
	if err != nil {
		return operational(err)
	}
	defer engine.Close()
	return fn(context.Background(), engine)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return operational(err)
	}
	return nil
}

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalid(err error) error     { return &exitError{code: exitInvalid, err: err} }
func operational(err error) error { return &exitError{code: exitOperational, err: err} }
