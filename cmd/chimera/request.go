package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/chimera/internal/engine"
	"github.com/fyrsmithlabs/chimera/internal/execution"
	"github.com/fyrsmithlabs/chimera/internal/plan"
)

// messageFrom joins args, or reads stdin when args is empty or "-".
func messageFrom(in io.Reader, args []string) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		b, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		args = []string{string(b)}
	}
	msg := strings.TrimSpace(strings.Join(args, " "))
	if msg == "" {
		return "", errors.New("no request given")
	}
	return msg, nil
}

func newRespondCmd(root *rootOptions) *cobra.Command {
	var req engine.Request
	cmd := &cobra.Command{
		Use:   "respond [request...]",
		Short: "Answer one request",
		Long: `Run the full pipeline for one request and print the answer.

Requests that are too ambiguous to run safely are answered with clarifying
questions instead; pass --yes to run them anyway.

Examples:
  chimera respond "fix the typo in the footer"
  echo "explain the retry policy" | chimera respond -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := messageFrom(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			req.Message = msg

			eng, err := root.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Shutdown(cmd.Context())

			resp, err := eng.Respond(cmd.Context(), req)
			if err != nil {
				return err
			}
			if root.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
			if resp.ExecutionID != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "[chimera] execution %s %s\n", resp.ExecutionID, resp.Status)
			}
			if resp.Status == string(execution.StatusFailed) {
				return errors.New("request failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.IdempotencyKey, "key", "", "idempotency key; repeating it returns the earlier execution")
	cmd.Flags().StringVar(&req.Role, "role", "", "role reported to tool policies")
	cmd.Flags().BoolVarP(&req.Confirmed, "yes", "y", false, "skip clarifying questions")
	return cmd
}

func newPlanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [request...]",
		Short: "Show how a request would be run",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := messageFrom(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			eng, err := root.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Shutdown(cmd.Context())

			in := eng.AnalyzeIntent(msg)
			cls := eng.Classify(in, msg)
			p, err := eng.BuildPlan(in, cls, msg)
			if err != nil {
				return err
			}
			if root.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), p)
			}
			printPlan(cmd.OutOrStdout(), p)
			clar := eng.Clarify(eng.DetectAmbiguities(msg, in))
			if clar != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "\nneeds clarification before running:")
				for _, q := range clar.Questions {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", q.Question)
				}
			}
			return nil
		},
	}
}

func printPlan(w io.Writer, p *plan.Plan) {
	fmt.Fprintf(w, "intent:     %s %q (scope %s)\n", p.Intent.Action, p.Intent.Object, p.Intent.Scope)
	fmt.Fprintf(w, "complexity: %s, %d subtasks\n", p.Classification.Complexity, p.Classification.EstimatedSubtasks)
	for i, ph := range p.Phases {
		fmt.Fprintf(w, "%d. %-12s %-13s %s\n", i+1, ph.Purpose, ph.Mode, strings.Join(ph.Models, ", "))
	}
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "run [request...]",
		Short: "Run the plan for a request and print the raw execution result",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := messageFrom(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			eng, err := root.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Shutdown(cmd.Context())

			in := eng.AnalyzeIntent(msg)
			p, err := eng.BuildPlan(in, eng.Classify(in, msg), msg)
			if err != nil {
				return err
			}
			res, err := eng.RunPlan(cmd.Context(), p, key)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), root.jsonOutput, res)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Continue an unfinished execution",
		Long: `Continue an execution from its first unfinished phase. Finished executions
print their stored result. Resuming across processes needs the badger store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := root.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Shutdown(cmd.Context())

			res, err := eng.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), root.jsonOutput, res)
		},
	}
}

func printResult(w io.Writer, asJSON bool, res *execution.Result) error {
	if asJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "execution %s: %s\n", res.ExecutionID, res.Status)
	for _, ph := range res.Phases {
		fmt.Fprintf(w, "\n[%s %s]\n", ph.Mode, ph.Status)
		if ph.Output != "" {
			fmt.Fprintln(w, ph.Output)
		}
	}
	if res.Failed() {
		fmt.Fprintf(w, "\nphase %s failed (%s): %s\n", res.FailedPhase, res.ErrorKind, res.Error)
		return errors.New("execution failed")
	}
	return nil
}
