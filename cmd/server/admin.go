package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-pm-lifecycle/internal/service"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.db == nil {
				return fmt.Errorf("migrate requires store.driver postgres, got %s", a.cfg.Store.Driver)
			}
			if err := a.db.Migrate(ctx); err != nil {
				return err
			}
			a.log.Info().Msg("Schema applied")
			return nil
		},
	}
}

func newSeedCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load workflows, node types and stage templates from a catalog file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			path := file
			if path == "" {
				path = a.cfg.Catalog.Path
			}
			if path == "" {
				return fmt.Errorf("no catalog file: pass --file or set CATALOG_FILE")
			}

			res, err := a.seed(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"seeded %s: %d workflows (%d already present), %d node types, %d stage templates\n",
				path, res.Workflows, res.WorkflowsSkipped, res.NodeTypes, res.Stages)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog YAML file (defaults to catalog.path)")
	return cmd
}

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Inspect and initialize projects",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <project-id>",
		Short: "Instantiate the stage templates for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.engine(ctx, nil)
			if err != nil {
				return err
			}
			stages, err := engine.InitializeProject(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %d stages\n", len(stages))
			return printProgress(cmd, engine, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "progress <project-id>",
		Short: "Show per-stage node counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.engine(ctx, nil)
			if err != nil {
				return err
			}
			return printProgress(cmd, engine, args[0])
		},
	})

	return cmd
}

func printProgress(cmd *cobra.Command, flow service.StageFlow, projectID string) error {
	progress, err := flow.GetStageProgress(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	return writeProgress(cmd.OutOrStdout(), progress)
}

func writeProgress(out io.Writer, progress []*service.StageProgress) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTAGE\tSTATUS\tDONE\tTOTAL\tREQUIRED LEFT\tREADY")
	for _, p := range progress {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%t\n",
			p.Sequence, p.StageCode, p.Status, p.Completed+p.Skipped, p.Total, p.RequiredIncomplete, p.Ready)
	}
	return tw.Flush()
}
