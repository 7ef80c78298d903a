package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Skufu/CardioTriage/internal/config"
	"github.com/Skufu/CardioTriage/internal/ledger"
	"github.com/Skufu/CardioTriage/internal/model"
	"github.com/Skufu/CardioTriage/internal/registry"
	"github.com/Skufu/CardioTriage/internal/risk"
	"github.com/Skufu/CardioTriage/internal/storage/badgerdb"
	"github.com/Skufu/CardioTriage/internal/storage/postgres"
	"github.com/Skufu/CardioTriage/internal/triage"
	"github.com/Skufu/CardioTriage/internal/visual"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	ledgerDir   string
	databaseURL string
	patientsCSV string
	policyFile  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "Cardiotoxicity risk triage from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.ledgerDir, "ledger-dir", os.Getenv("LEDGER_DIR"), "BadgerDB ledger directory")
	root.PersistentFlags().StringVar(&g.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL; takes precedence over --ledger-dir")
	root.PersistentFlags().StringVar(&g.patientsCSV, "patients", os.Getenv("PATIENTS_CSV"), "patient registry CSV")
	root.PersistentFlags().StringVar(&g.policyFile, "policy", os.Getenv("POLICY_FILE"), "decision policy YAML")

	root.AddCommand(
		newClassifyCmd(g),
		newSeedCmd(g),
		newHistoryCmd(g),
		newStatsCmd(g),
	)
	return root
}

func newClassifyCmd(g *globalFlags) *cobra.Command {
	var (
		featuresPath string
		age          float64
		modelFile    string
		modelURL     string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify one patient from a JSON feature object",
		Long: `Reads a JSON object of clinical features (canonical or legacy names) and
prints the prediction, risk score and display parameters. Nothing is recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readFeatures(cmd.InOrStdin(), featuresPath)
			if err != nil {
				return err
			}
			m, err := model.Open(modelURL, modelFile, timeout)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			policy, err := config.LoadPolicy(g.policyFile)
			if err != nil {
				return err
			}

			svc := triage.NewService(
				risk.NewClassifier(m, risk.WithThresholds(policy.Thresholds)),
				visual.NewMapper(visual.WithPalette(policy.Palette)),
				triage.WithDefaultAge(func() float64 { return policy.DefaultAge }),
				triage.WithLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))),
			)
			res, err := svc.Assess(cmd.Context(), triage.Request{Features: raw, Age: age})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&featuresPath, "features", "f", "-", "feature JSON file, - for stdin")
	cmd.Flags().Float64Var(&age, "age", 0, "age used for display parameters")
	cmd.Flags().StringVar(&modelFile, "model-file", os.Getenv("MODEL_FILE"), "linear model YAML")
	cmd.Flags().StringVar(&modelURL, "model-url", os.Getenv("MODEL_URL"), "remote inference URL")
	cmd.Flags().DurationVar(&timeout, "timeout", model.DefaultTimeout, "remote inference timeout")
	return cmd
}

func newSeedCmd(g *globalFlags) *cobra.Command {
	var historyPath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the patient registry and historical assessments",
		Long: `Copies registry rows into Postgres and historical assessments into the
ledger. Rows already present are skipped, so seeding is safe to repeat.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.patientsCSV == "" && historyPath == "" {
				return errors.New("nothing to seed: pass --patients and/or --history")
			}
			ctx := cmd.Context()
			st, err := openStorage(ctx, g)
			if err != nil {
				return err
			}
			defer st.close()
			out := cmd.OutOrStdout()

			if g.patientsCSV != "" {
				reg, err := registry.LoadCSV(g.patientsCSV)
				if err != nil {
					return err
				}
				if st.db == nil {
					fmt.Fprintf(out, "patients: %d rows read; registry stays in %s without a database\n", len(reg.Patients()), g.patientsCSV)
				} else {
					n, err := postgres.SeedPatients(ctx, st.db, reg.Patients())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "patients: %d inserted\n", n)
				}
			}

			if historyPath != "" {
				f, err := os.Open(historyPath)
				if err != nil {
					return err
				}
				defer f.Close()
				records, err := ledger.ReadHistoryCSV(f)
				if err != nil {
					return err
				}
				n, err := ledger.New(st.store, nil).Seed(ctx, records)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "history: %d of %d inserted\n", n, len(records))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", "", "assessment history CSV")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent assessments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 || limit > 500 {
				return fmt.Errorf("--limit must be within 1..500, got %d", limit)
			}
			st, err := openStorage(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer st.close()
			records, err := ledger.New(st.store, nil).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of assessments")
	return cmd
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print dashboard statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStorage(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer st.close()
			var dir ledger.PatientDirectory
			switch {
			case st.db != nil:
				dir = postgres.NewPatientRegistry(st.db)
			case g.patientsCSV != "":
				reg, err := registry.LoadCSV(g.patientsCSV)
				if err != nil {
					return err
				}
				dir = reg
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			return printJSON(cmd.OutOrStdout(), ledger.New(st.store, dir, ledger.WithLogger(logger)).Stats(cmd.Context()))
		},
	}
}

type storage struct {
	store ledger.Store
	db    postgres.DB
	close func()
}

// openStorage prefers Postgres, then a Badger directory.
func openStorage(ctx context.Context, g *globalFlags) (*storage, error) {
	switch {
	case g.databaseURL != "":
		pool, err := postgres.Connect(ctx, g.databaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return &storage{store: postgres.NewAssessmentStore(pool), db: pool, close: pool.Close}, nil
	case g.ledgerDir != "":
		db, err := badgerdb.Open(badgerdb.DefaultConfig(g.ledgerDir))
		if err != nil {
			return nil, err
		}
		return &storage{store: badgerdb.NewStore(db), close: func() { db.Close() }}, nil
	default:
		return nil, errors.New("no ledger configured: pass --database-url or --ledger-dir")
	}
}

func readFeatures(stdin io.Reader, path string) (map[string]any, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var raw map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	return raw, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
