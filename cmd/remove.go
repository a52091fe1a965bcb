package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ripple/internal/database"
)

var removeYes bool

var removeCmd = &cobra.Command{
	Use:   "remove <database>",
	Short: "Erase a database's durable state",
	Long: `Remove erases every collection of the named database across all schema
versions, together with its metadata and local stores. The data is gone
for good; pass --yes to skip the confirmation prompt.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemove,
}

func init() {
	removeCmd.Flags().BoolVarP(&removeYes, "yes", "y", false,
		"skip the confirmation prompt")
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	name := args[0]

	if !removeYes {
		fmt.Fprintf(cmd.OutOrStdout(), "Erase database %q and all its collections? [y/N]: ", name)
		var answer string
		_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(cmd.OutOrStdout(), "aborted")
			return nil
		}
	}

	adapter, err := newAdapter()
	if err != nil {
		return err
	}
	if err := database.RemoveDatabase(cmd.Context(), name, adapter); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "removed database %q\n", name)
	return nil
}
