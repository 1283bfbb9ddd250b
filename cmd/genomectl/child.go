package main

import (
	"time"

	"github.com/spf13/cobra"
)

func childCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "child",
		Short: "Manage registered children",
	}

	var name, endpoint string
	var isolation int
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a deployed child bound to the active genome",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			child, err := app.registry.RegisterChild(cmd.Context(), name, endpoint, isolation)
			if err != nil {
				return err
			}
			return emit(child)
		},
	}
	register.Flags().StringVar(&name, "name", "", "child name")
	register.Flags().StringVar(&endpoint, "endpoint", "", "health endpoint URL")
	register.Flags().IntVar(&isolation, "isolation-level", 0, "isolation (impact) level")
	_ = register.MarkFlagRequired("name")
	_ = register.MarkFlagRequired("endpoint")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered children",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			children, err := app.registry.Children.List(cmd.Context())
			if err != nil {
				return err
			}
			return emit(children)
		},
	}

	cmd.AddCommand(register, list)
	return cmd
}

func telemetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Poll child health and summarize heartbeats",
	}

	poll := &cobra.Command{
		Use:   "poll",
		Short: "Poll every registered child and store the heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			beats, err := app.collector.PollAll(cmd.Context())
			if err != nil {
				return err
			}
			return emit(beats)
		},
	}

	var window time.Duration
	summary := &cobra.Command{
		Use:   "summary <child-id>",
		Short: "Derive a health summary from recent heartbeats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			w := window
			if w <= 0 {
				if w, err = app.cfg.SummaryWindow(); err != nil {
					return err
				}
			}
			sum, err := app.collector.Summarize(cmd.Context(), args[0], w)
			if err != nil {
				return err
			}
			return emit(sum)
		},
	}
	summary.Flags().DurationVar(&window, "window", 0, "aggregation window (default from config)")

	cmd.AddCommand(poll, summary)
	return cmd
}
