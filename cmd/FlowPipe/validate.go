package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func newValidateCmd(cfg *Config) *cobra.Command {
	var withDB bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check flows, commands, match files and webviews for broken references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd.Context(), *cfg, withDB, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&withDB, "with-db", false, "also validate dynamic flows stored in the database")
	return cmd
}

func validate(ctx context.Context, cfg Config, withDB bool, out io.Writer) error {
	defs, err := loadDefinitions(cfg)
	if err != nil {
		return err
	}

	var dynamic []models.Flow
	if withDB {
		st, err := store.Open(cfg.storeDSN())
		if err != nil {
			return err
		}
		defer st.Close()
		if dynamic, err = st.ListFlows(ctx); err != nil {
			return fmt.Errorf("list dynamic flows: %w", err)
		}
	}

	table, err := flow.BuildTable(defs.static, dynamic)
	if err != nil {
		return err
	}
	webviews := make(map[string]models.Webview, len(defs.webviews))
	for _, wv := range defs.webviews {
		webviews[wv.Name] = wv
	}
	if err := flow.Validate(table, defs.commands, defs.engine, webviews); err != nil {
		slog.Error("Validation failed", "error", err)
		return err
	}
	fmt.Fprintf(out, "OK: %d flows, %d commands\n", table.Len(), len(defs.commands))
	return nil
}
