package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"icdev/internal/registry"
)

// evaluateInput is the JSON document fed to "genomectl evaluate".
type evaluateInput struct {
	Name        string             `json:"name"`
	Source      string             `json:"source"`
	Evidence    map[string]any     `json:"evidence,omitempty"`
	Sensitivity int                `json:"sensitivity"`
	Scores      map[string]float64 `json:"scores"`
}

func evaluateCommand() *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a capability candidate and record its disposition",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			var raw []byte
			if inputPath == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(inputPath)
			}
			if err != nil {
				return err
			}
			var input evaluateInput
			if err := json.Unmarshal(raw, &input); err != nil {
				return fmt.Errorf("parse candidate input: %w", err)
			}
			candidate, err := app.registry.EvaluateCandidate(cmd.Context(), registry.CandidateInput{
				Name:        input.Name,
				Source:      input.Source,
				Evidence:    input.Evidence,
				Sensitivity: input.Sensitivity,
				Scores:      input.Scores,
			})
			if err != nil {
				return err
			}
			return emit(candidate)
		},
	}
	cmd.Flags().StringVar(&inputPath, "input", "", "path to candidate JSON (- for stdin)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
