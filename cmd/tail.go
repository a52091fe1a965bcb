package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ripple/internal/schema"
)

var tailSchemaFiles []string

var tailCmd = &cobra.Command{
	Use:   "tail <database>",
	Short: "Subscribe to a database's change stream and print events",
	Long: `Tail opens a database instance, optionally registers collections from
schema files, then prints every change event as a JSON line until
interrupted. With --broadcast-dir the stream includes changes made by
instances in other processes.`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringArrayVar(&tailSchemaFiles, "schema", nil,
		"collection schema YAML file (repeatable)")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, args[0])
	if err != nil {
		return err
	}
	defer db.Destroy(cmd.Context())

	if len(tailSchemaFiles) > 0 {
		schemas := make(map[string]*schema.Schema, len(tailSchemaFiles))
		for _, path := range tailSchemaFiles {
			name, s, err := loadSchemaFile(path)
			if err != nil {
				return err
			}
			schemas[name] = s
		}
		if _, err := db.RegisterCollections(ctx, schemas); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	events := db.Changes(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			line, err := json.Marshal(map[string]any{
				"origin": ev.Type,
				"event":  ev.Payload,
			})
			if err != nil {
				return fmt.Errorf("encoding change event: %w", err)
			}
			fmt.Fprintln(out, string(line))
		}
	}
}
