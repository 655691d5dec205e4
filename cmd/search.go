package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"hybridrag/src/core/retrieval"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a hybrid search",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntP("top-k", "k", retrieval.DefaultTopK, "number of results")
	searchCmd.Flags().StringSliceP("type", "t", nil, "restrict to source types")
	searchCmd.Flags().StringP("owner", "o", "", "restrict to one owner")
	searchCmd.Flags().String("context", "", "recent conversation used to rewrite the query")
	searchCmd.Flags().Bool("json", false, "print results as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	opts := retrieval.SearchOptions{}
	opts.TopK, _ = cmd.Flags().GetInt("top-k")
	opts.OwnerID, _ = cmd.Flags().GetString("owner")
	opts.ConversationContext, _ = cmd.Flags().GetString("context")
	types, _ := cmd.Flags().GetStringSlice("type")
	for _, t := range types {
		st, err := retrieval.ParseSourceType(t)
		if err != nil {
			return err
		}
		opts.SourceTypes = append(opts.SourceTypes, st)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.service.Search(cmd.Context(), strings.Join(args, " "), opts)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	if len(results) == 0 {
		fmt.Println("No results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%2d. %.4f [%s] %s:%s#%d\n", i+1, r.Score, r.Origin, r.SourceType, r.SourceID, r.ChunkIndex)
		fmt.Printf("    %s\n", preview(r.Content, 160))
	}
	return nil
}

// preview flattens whitespace and cuts s to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
