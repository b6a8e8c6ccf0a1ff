package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/worktrail/internal/definition"
	"github.com/pitabwire/worktrail/internal/timeline"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "worktrailctl",
		Short:         "Inspect worktrail workflow definitions and timelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd(), newTableNameCmd(), newTimelineCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate DIR...",
		Short: "Load and validate workflow definition directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}
			if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
				for _, ve := range verrs {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s [%s]\n", ve.Error(), ve.Code)
				}
				return errors.New(definition.Summary(verrs))
			}

			reg := definition.NewRegistry(defs)
			for _, name := range reg.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d workflows valid, checksum %s\n", reg.Len(), reg.Checksum())
			return nil
		},
	}
}

func newTableNameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "table-name WORKTYPE...",
		Short: "Print the timeline table name of each workflow type",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, wt := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", wt, timeline.TableName(wt))
			}
			return nil
		},
	}
}

func newTimelineCmd() *cobra.Command {
	var (
		dbPath      string
		transitions bool
		action      string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "timeline WORKTYPE WORK_ID",
		Short: "Print the timeline of a work unit from a SQLite timeline file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid work id %q", args[1])
			}

			store, err := timeline.OpenSQLite(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			table, err := store.Table(ctx, args[0])
			if err != nil {
				return err
			}
			entries, err := timeline.Collect(table.Select(ctx, timeline.Query{
				WorkUnitID:      id,
				TransitionsOnly: transitions,
				Action:          action,
			}))
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDATETIME\tUSER\tACTION\tFROM\tSTATE")
			for _, e := range entries {
				from := "-"
				if e.PreviousState != nil {
					from = *e.PreviousState
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.Datetime.UTC().Format(time.RFC3339), e.User, e.Action, from, e.State)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "timeline.db", "path to the SQLite timeline file")
	cmd.Flags().BoolVar(&transitions, "transitions", false, "only show state changes")
	cmd.Flags().StringVar(&action, "action", "", "only show entries with this action")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}
