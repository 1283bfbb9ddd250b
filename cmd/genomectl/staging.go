package main

import (
	"github.com/spf13/cobra"
)

func stagingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staging",
		Short: "Manage staging environments",
	}

	var candidateID, baseVersion string
	create := &cobra.Command{
		Use:   "create",
		Short: "Allocate an isolated staging environment for a candidate",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			env, err := app.registry.CreateStaging(cmd.Context(), candidateID, baseVersion)
			if err != nil {
				return err
			}
			return emit(env)
		},
	}
	create.Flags().StringVar(&candidateID, "candidate", "", "candidate ID")
	create.Flags().StringVar(&baseVersion, "base", "", "base genome version ID or semver")
	_ = create.MarkFlagRequired("candidate")
	_ = create.MarkFlagRequired("base")

	test := &cobra.Command{
		Use:   "test <staging-id>",
		Short: "Run the validation pipeline against an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			env, err := app.registry.TestStaging(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(env)
		},
	}

	destroy := &cobra.Command{
		Use:   "destroy <staging-id>",
		Short: "Release an environment and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			env, err := app.registry.DestroyStaging(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(env)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List environments with effective (TTL-aware) status",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			envs, err := app.registry.Staging.List(cmd.Context())
			if err != nil {
				return err
			}
			return emit(envs)
		},
	}

	cmd.AddCommand(create, test, destroy, list)
	return cmd
}
