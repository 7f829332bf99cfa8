package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"chorus/internal/ingest"
	"chorus/internal/logging"
	"chorus/internal/store"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "ingest <fixture>...",
		Short: "Load units and candidate transcriptions from YAML or JSON files",
		Long: "Load units and candidate transcriptions from YAML or JSON fixture files\n" +
			"directly into the record store. Relative artifact paths are resolved\n" +
			"against the fixture's directory.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fixtures := make([]ingest.Fixture, 0, len(args))
			for _, path := range args {
				fx, err := ingest.LoadFile(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := ingest.Validate(fx); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fixtures = append(fixtures, fx)
			}
			if dryRun {
				units := 0
				for _, fx := range fixtures {
					units += len(fx.Units)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Validated %d fixture(s) with %d unit(s); nothing written\n", len(fixtures), units)
				return nil
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("open record store: %w", err)
			}
			defer st.Close()

			var total ingest.Result
			for i, fx := range fixtures {
				result, err := ingest.Apply(cmd.Context(), st, fx, logging.NewNop())
				if err != nil {
					return fmt.Errorf("%s: %w", args[i], err)
				}
				total.Units += result.Units
				total.Candidates += result.Candidates
				total.UnitIDs = append(total.UnitIDs, result.UnitIDs...)
			}

			if ok, err := ctx.emit(cmd, total); ok || err != nil {
				return err
			}
			rows := make([][]string, 0, len(total.UnitIDs))
			for _, id := range total.UnitIDs {
				rows = append(rows, []string{strconv.FormatInt(id, 10)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Unit ID"}, rows, []columnAlignment{alignRight}))
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d unit(s) and %d candidate(s)\n", total.Units, total.Candidates)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate fixtures without writing to the store")
	return cmd
}
