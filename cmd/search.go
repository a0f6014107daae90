package cmd

import (
	"fmt"
	"os"

	"github.com/patrikhermansson/pinmatch/config"
	"github.com/patrikhermansson/pinmatch/search"
	"github.com/spf13/cobra"
)

var (
	searchTopK     int
	searchStrategy string
	searchBest     bool
)

var searchCmd = &cobra.Command{
	Use:   "search <image>",
	Short: "Rank the collection against a query image",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default from config)")
	searchCmd.Flags().StringVar(&searchStrategy, "strategy", "", "sequential, parallel or hybrid (default from config)")
	searchCmd.Flags().BoolVar(&searchBest, "best", false, "print only the path of the best match")
}

func runSearch(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	f, err := loadFile()
	if err != nil {
		return err
	}
	if searchStrategy != "" {
		s, err := search.ParseStrategy(searchStrategy)
		if err != nil {
			return err
		}
		f.Tunables.Strategy = s
	}
	if searchTopK != 0 && !config.TopKRange.Contains(searchTopK) {
		return fmt.Errorf("--top-k must be in %s", config.TopKRange)
	}

	eng, _, err := openEngine(cmd.Context(), f, true)
	if err != nil {
		return err
	}
	if searchBest {
		best, ok, err := eng.SearchBest(cmd.Context(), data)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no similar image found for %s", args[0])
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.4f\n", best.FilePath, best.Match.Score)
		return err
	}
	res, err := eng.Search(cmd.Context(), data, searchTopK)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}
