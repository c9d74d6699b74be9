package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/carrental/internal/migrations"
	"github.com/example/carrental/internal/reservation/domain"
	"github.com/example/carrental/internal/reservation/repository/postgres"
	"github.com/example/carrental/internal/reservation/service"
	"github.com/example/carrental/internal/reservation/sweeper"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			applied, err := migrations.Apply(cmd.Context(), e.pool, e.logger)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired holds once and exit",
		Long: `Delete every expired hold and record a HoldsExpired event per vehicle.
Safe to run from cron while reservation services are sweeping too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if batch <= 0 {
				batch = e.cfg.SweepBatch
			}
			sw := sweeper.New(
				postgres.NewRepository(e.pool),
				postgres.NewOutboxPublisher(e.pool, e.cfg.EventsTopic),
				domain.SystemClock{},
				e.logger,
				sweeper.Config{BatchSize: batch},
			)
			n, err := sw.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired holds\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "holds deleted per transaction (defaults to SWEEP_BATCH)")
	return cmd
}

func newOccupancyCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "occupancy <vehicle-id>",
		Short: "List the date ranges a vehicle is held or booked for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vehicleID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid vehicle id %q: %w", args[0], err)
			}
			e, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			svc := service.New(postgres.NewRepository(e.pool), nil, domain.SystemClock{}, nil, e.logger, service.Config{})
			occupied, err := svc.OccupiedRanges(cmd.Context(), vehicleID)
			if err != nil {
				return err
			}
			return printOccupancy(cmd, occupied, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printOccupancy(cmd *cobra.Command, occupied []domain.Occupancy, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		if occupied == nil {
			occupied = []domain.Occupancy{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(occupied)
	}
	if len(occupied) == 0 {
		fmt.Fprintln(out, "vehicle is free")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tRANGE\tNIGHTS\tID")
	for _, o := range occupied {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", o.Kind, o.Range, o.Range.Nights(), o.ID)
	}
	return tw.Flush()
}
