package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <database>",
	Short: "Print a database's storage token and registered collections",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := openDatabase(ctx, args[0])
	if err != nil {
		return err
	}
	defer db.Destroy(ctx)

	infos, err := db.CollectionInfos(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "database:      %s\n", db.Name())
	fmt.Fprintf(out, "storage token: %s\n", db.StorageToken())
	if len(infos) == 0 {
		fmt.Fprintln(out, "collections:   none")
		return nil
	}
	fmt.Fprintln(out, "collections:")
	for _, info := range infos {
		fmt.Fprintf(out, "  %s  version=%d  hash=%s\n", info.Name, info.Version, info.SchemaHash)
	}
	return nil
}
