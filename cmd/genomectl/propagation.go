package main

import (
	"github.com/spf13/cobra"
)

func propagationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "propagation",
		Aliases: []string{"rollout"},
		Short:   "Drive the gated rollout state machine",
	}

	var candidateID, plan, deployer string
	var targets []string
	prepare := &cobra.Command{
		Use:   "prepare",
		Short: "Record a prepared rollout for a staged candidate",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			record, err := app.registry.PrepareRollout(cmd.Context(), candidateID, targets, plan, deployer)
			if err != nil {
				return err
			}
			return emit(record)
		},
	}
	prepare.Flags().StringVar(&candidateID, "candidate", "", "candidate ID")
	prepare.Flags().StringSliceVar(&targets, "target", nil, "target child ID (repeatable)")
	prepare.Flags().StringVar(&plan, "rollback-plan", "", "rollback plan")
	prepare.Flags().StringVar(&deployer, "deployer", "", "deployer identity")
	_ = prepare.MarkFlagRequired("candidate")
	_ = prepare.MarkFlagRequired("target")
	_ = prepare.MarkFlagRequired("rollback-plan")
	_ = prepare.MarkFlagRequired("deployer")

	var approver string
	approve := &cobra.Command{
		Use:   "approve <propagation-id>",
		Short: "Approve a prepared rollout (approver must differ from deployer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			record, err := app.registry.ApproveRollout(cmd.Context(), args[0], approver)
			if err != nil {
				return err
			}
			return emit(record)
		},
	}
	approve.Flags().StringVar(&approver, "approver", "", "approver identity")
	_ = approve.MarkFlagRequired("approver")

	var rejecter, rejectReason string
	reject := &cobra.Command{
		Use:   "reject <propagation-id>",
		Short: "Reject a prepared rollout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			record, err := app.registry.RejectRollout(cmd.Context(), args[0], rejecter, rejectReason)
			if err != nil {
				return err
			}
			return emit(record)
		},
	}
	reject.Flags().StringVar(&rejecter, "approver", "", "rejecting identity")
	reject.Flags().StringVar(&rejectReason, "reason", "", "rejection reason")
	_ = reject.MarkFlagRequired("approver")
	_ = reject.MarkFlagRequired("reason")

	execute := &cobra.Command{
		Use:   "execute <propagation-id>",
		Short: "Execute an approved rollout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			record, err := app.registry.ExecuteRollout(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(record)
		},
	}

	var rollbackReason, rollbackActor string
	rollback := &cobra.Command{
		Use:   "rollback <propagation-id>",
		Short: "Explicitly roll back an executed rollout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			record, err := app.registry.RollbackRollout(cmd.Context(), args[0], rollbackReason, rollbackActor)
			if err != nil {
				return err
			}
			return emit(record)
		},
	}
	rollback.Flags().StringVar(&rollbackReason, "reason", "", "rollback reason")
	rollback.Flags().StringVar(&rollbackActor, "actor", "", "actor identity")
	_ = rollback.MarkFlagRequired("reason")
	_ = rollback.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List propagation records",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			records, err := app.registry.Propagation.ListRecords(cmd.Context())
			if err != nil {
				return err
			}
			return emit(records)
		},
	}

	cmd.AddCommand(prepare, approve, reject, execute, rollback, list)
	return cmd
}
