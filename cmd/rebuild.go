package cmd

import (
	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-extract the collection and rebuild the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadFile()
		if err != nil {
			return err
		}
		eng, _, err := openEngine(cmd.Context(), f, true)
		if err != nil {
			return err
		}
		report, err := eng.RebuildCollection(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the ANN index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the ANN index over the cached descriptors",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadFile()
		if err != nil {
			return err
		}
		eng, _, err := openEngine(cmd.Context(), f, true)
		if err != nil {
			return err
		}
		n, err := eng.RebuildIndex(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]int{"descriptors_indexed": n})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show collection and index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadFile()
		if err != nil {
			return err
		}
		eng, _, err := openEngine(cmd.Context(), f, true)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), eng.Info())
	},
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexRebuildCmd)
	rootCmd.AddCommand(infoCmd)
}
