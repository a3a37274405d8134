package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/model"
)

var (
	researchQuery     string
	researchDeep      bool
	researchMaxIter   int
	researchThreshold float64
	researchBudget    int
)

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Run a research task to completion and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initResearchEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		kind := model.KindSimple
		maxIter := 1
		if researchDeep {
			kind = model.KindDeep
			maxIter = researchMaxIter
		}

		task := model.ResearchTask{
			ID:    uuid.NewString(),
			Query: researchQuery,
			Kind:  kind,
			Config: model.TaskConfig{
				MaxIterations:      maxIter,
				MinCompletionScore: researchThreshold,
				Budget:             researchBudget,
			},
			Status:    model.TaskAccepted,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := env.Store.CreateTask(ctx, task); err != nil {
			return eris.Wrap(err, "create task")
		}

		if err := env.Orchestrator.Run(ctx, task); err != nil {
			zap.L().Warn("research: task did not complete cleanly", zap.Error(err))
		}

		final, err := env.Store.GetTask(ctx, task.ID)
		if err != nil {
			return eris.Wrap(err, "load task")
		}
		if final.Status == model.TaskFailed {
			zap.L().Error("research: task failed", zap.String("reason", final.ErrorReason))
			return fmt.Errorf("research: task failed: %s", final.ErrorReason)
		}

		report, err := env.Store.GetReport(ctx, task.ID)
		if err != nil {
			return eris.Wrap(err, "load report")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchQuery, "query", "", "research query (required)")
	researchCmd.Flags().BoolVar(&researchDeep, "deep", false, "run the iterative deep-research loop instead of a single pass")
	researchCmd.Flags().IntVar(&researchMaxIter, "max-iterations", 3, "maximum refinement iterations (deep mode only)")
	researchCmd.Flags().Float64Var(&researchThreshold, "min-score", 0.75, "completion score threshold to stop iterating")
	researchCmd.Flags().IntVar(&researchBudget, "budget", 150, "request budget for the task")
	_ = researchCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(researchCmd)
}
