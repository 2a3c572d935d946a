package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

type ingestFlags struct {
	dryRun    bool
	org       string
	year      int
	sequence  int
	controlID string
}

func newIngestCmd() *cobra.Command {
	flags := &ingestFlags{}
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Runs one ingestion pass and prints progress",
		Long: `Runs the full ingestion once: every eligible purchase is fetched and
its items written. With --org, --year, --sequence and --control-id only that
purchase is re-run. --dry-run keeps items in memory instead of writing them.`,
		Annotations: map[string]string{annotationConsole: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "keep fetched items in memory; nothing is written to the database")
	cmd.Flags().StringVar(&flags.org, "org", "", "organization id (CNPJ) of a single purchase to re-run")
	cmd.Flags().IntVar(&flags.year, "year", 0, "purchase year of the single purchase")
	cmd.Flags().IntVar(&flags.sequence, "sequence", 0, "purchase sequence of the single purchase")
	cmd.Flags().StringVar(&flags.controlID, "control-id", "", "PNCP control number of the single purchase")
	return cmd
}

// single reports whether the flags select a single triple.
func (f *ingestFlags) single() bool {
	return f.org != "" || f.year != 0 || f.sequence != 0 || f.controlID != ""
}

func (f *ingestFlags) record() (procurement.EligibilityRecord, error) {
	rec := procurement.EligibilityRecord{
		ControlID:      f.controlID,
		OrganizationID: f.org,
		Year:           f.year,
		Sequence:       f.sequence,
	}
	if err := rec.Validate(); err != nil {
		return procurement.EligibilityRecord{}, fmt.Errorf("--org, --year, --sequence and --control-id are required together: %w", err)
	}
	return rec, nil
}

func runIngest(cmd *cobra.Command, flags *ingestFlags) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	defer func() {
		if items := a.DryRunItems(); items != nil {
			fmt.Fprintf(out, "dry run: %d items held in memory, nothing written to the database\n", len(items.Items()))
		}
	}()

	if flags.single() {
		rec, err := flags.record()
		if err != nil {
			return err
		}
		outcome, err := a.Pipeline().RunTriple(cmd.Context(), rec)
		if err != nil {
			return fmt.Errorf("run triple %s: %w", rec, err)
		}
		if outcome.Status == procurement.TripleFailed {
			return fmt.Errorf("triple %s failed: %s", rec, errors.Join(errText(outcome.FetchError), errText(outcome.WriteError)))
		}
		return nil
	}

	summary, err := a.Pipeline().RunFullIngestion(cmd.Context())
	if err != nil {
		return fmt.Errorf("ingestion run: %w", err)
	}
	if summary.Status == procurement.RunFailed {
		return fmt.Errorf("ingestion run %s failed: %s", summary.RunID, summary.Error)
	}
	return nil
}

func errText(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}
