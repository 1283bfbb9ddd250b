package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"icdev/pkg/genome"
)

func genomeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "genome",
		Short: "Manage genome versions",
	}

	var createdBy, contentPath string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a new genome version from a content document",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			content, err := readContent(contentPath)
			if err != nil {
				return err
			}
			created, err := app.registry.CreateGenome(cmd.Context(), content, createdBy, nil)
			if err != nil {
				return err
			}
			return emit(created)
		},
	}
	create.Flags().StringVar(&createdBy, "created-by", "", "actor creating the version")
	create.Flags().StringVar(&contentPath, "content", "", "path to genome content JSON (- for stdin)")
	_ = create.MarkFlagRequired("created-by")
	_ = create.MarkFlagRequired("content")

	get := &cobra.Command{
		Use:   "get [selector]",
		Short: "Show the active genome version, or one by ID or semver",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			selector := ""
			if len(args) == 1 {
				selector = args[0]
			}
			version, err := app.registry.GetGenome(cmd.Context(), selector)
			if err != nil {
				return err
			}
			return emit(version)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all genome versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			versions, err := app.registry.Genomes.List(cmd.Context())
			if err != nil {
				return err
			}
			return emit(versions)
		},
	}

	diff := &cobra.Command{
		Use:   "diff <v1> <v2>",
		Short: "Show the structural delta between two versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			delta, err := app.registry.DiffGenomes(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return emit(delta)
		},
	}

	var actor string
	rollback := &cobra.Command{
		Use:   "rollback <target>",
		Short: "Restore a prior version's content as a new active version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			created, err := app.registry.RollbackGenome(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			return emit(created)
		},
	}
	rollback.Flags().StringVar(&actor, "actor", "", "actor performing the rollback")
	_ = rollback.MarkFlagRequired("actor")

	verify := &cobra.Command{
		Use:   "verify [selector]",
		Short: "Recompute and check a version's content hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()
			selector := ""
			if len(args) == 1 {
				selector = args[0]
			}
			if err := app.registry.VerifyGenome(cmd.Context(), selector); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}

	cmd.AddCommand(create, get, list, diff, rollback, verify)
	return cmd
}

// readContent loads a genome content document from a file or stdin.
func readContent(path string) (genome.GenomeContent, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return genome.GenomeContent{}, err
	}
	var content genome.GenomeContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return genome.GenomeContent{}, fmt.Errorf("parse genome content: %w", err)
	}
	return content, nil
}
