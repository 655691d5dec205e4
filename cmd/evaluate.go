/*
Copyright © 2024 Dean
*/
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"hybridrag/src/core/evaluation"
	"hybridrag/src/log"
)

// evaluateCmd represents the evaluate command
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Measure retrieval recall against a golden dataset",
	Long: `Evaluate imports a corpus of pre-chunked documents, runs every query of the
evaluation JSONL file through hybrid search and reports the mean recall@k of
the golden chunks. The imported sources are removed afterwards unless --keep
is set.`,
	RunE: Evaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringP("input", "i", "", "Input JSON file path")
	evaluateCmd.MarkFlagRequired("input")
	evaluateCmd.Flags().StringP("evaluate", "e", "", "Evaluation JSON file path")
	evaluateCmd.MarkFlagRequired("evaluate")
	evaluateCmd.Flags().IntP("top-k", "k", 5, "number of results per query")
	evaluateCmd.Flags().Bool("keep", false, "keep the imported corpus")
}

func Evaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	inputPath, _ := cmd.Flags().GetString("input")
	evaluatePath, _ := cmd.Flags().GetString("evaluate")
	k, _ := cmd.Flags().GetInt("top-k")
	keep, _ := cmd.Flags().GetBool("keep")

	input, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	docs, err := evaluation.LoadCorpus(input)
	input.Close()
	if err != nil {
		return err
	}

	a, err := appFromConfig()
	if err != nil {
		return err
	}
	defer a.Close()

	evaluator := evaluation.NewEvaluator(a.service, k)

	var total int
	for _, d := range docs {
		total += len(d.Chunks)
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Importing"),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
	imported, err := evaluator.Import(ctx, docs, func() { _ = bar.Add(1) })
	if !keep {
		defer func() {
			// the run context may already be cancelled
			if err := evaluator.Cleanup(context.WithoutCancel(ctx), docs); err != nil {
				log.Error(err, "failed to clean up evaluation corpus")
				return
			}
			fmt.Println("Successfully cleaned up evaluation corpus")
		}()
	}
	if err != nil {
		return err
	}
	fmt.Printf("Successfully imported %d chunks\n", imported)

	evalFile, err := os.Open(evaluatePath)
	if err != nil {
		return fmt.Errorf("failed to open evaluation file: %w", err)
	}
	defer evalFile.Close()

	report, err := evaluator.Run(ctx, evalFile)
	if err != nil {
		return err
	}
	if report.Queries == 0 {
		fmt.Println("No evaluations were processed")
		return nil
	}
	fmt.Printf("Evaluation Results:\n")
	fmt.Printf("Total evaluations: %d (skipped %d)\n", report.Queries, report.Skipped)
	fmt.Printf("Average recall@%d: %.2f%%\n", report.K, report.MeanRecall*100)
	return nil
}
