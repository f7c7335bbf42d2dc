package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/harvest"
)

type crawlFlags struct {
	keywords    []string
	maxItems    int
	maxComments int
	filters     []string
}

// newCrawlCmd runs a single crawl in the foreground and prints the final
// status.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl in the foreground",
		Long: `Runs a crawl for the given keywords and waits for it to finish. The
browser window opens for login when the saved session is not signed in.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, flags)
		},
	}
	cmd.Flags().StringArrayVarP(&flags.keywords, "keyword", "k", nil, "search keyword (repeatable)")
	cmd.Flags().IntVar(&flags.maxItems, "max-items", 0, "items per keyword (0 uses crawl.default_max_items)")
	cmd.Flags().IntVar(&flags.maxComments, "max-comments", 0, "comments per item (0 uses crawl.default_max_comments)")
	cmd.Flags().StringArrayVar(&flags.filters, "filter", nil, "keep only comments containing this term (repeatable)")
	return cmd
}

type crawlReport struct {
	RunID           string             `json:"run_id"`
	Message         string             `json:"message"`
	DistinctAuthors int                `json:"distinct_author_count"`
	Storage         string             `json:"storage"`
	Summary         harvest.RunSummary `json:"summary"`
}

func runCrawlCommand(cmd *cobra.Command, flags crawlFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	runner := appInstance.Runner()

	runID, err := runner.Start(harvest.RunRequest{
		Keywords:           flags.keywords,
		MaxItemsPerKeyword: flags.maxItems,
		MaxCommentsPerItem: flags.maxComments,
		CommentFilterTerms: flags.filters,
	})
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	logger.Info("crawl started", zap.String("run_id", runID))

	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-cmd.Context().Done():
		logger.Info("interrupted, stopping crawl")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := runner.Shutdown(ctx); err != nil {
			logger.Warn("crawl did not stop in time", zap.Error(err))
		}
	}

	snap := appInstance.Status().Snapshot()
	result := runner.LastResult()
	report := crawlReport{
		RunID:           runID,
		Message:         snap.Message,
		DistinctAuthors: snap.DistinctAuthors,
		Storage:         appInstance.StorageDescription(),
		Summary:         result.Summary,
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if result.Err != nil {
		return fmt.Errorf("crawl failed: %w", result.Err)
	}
	return nil
}
