package main

import (
	"context"
	"io"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	brokerkafka "evalbus/internal/broker/kafka"
	"evalbus/internal/platform/kafka"
)

func newTopicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "Create the Kafka topics evalbus uses, dead-letter topics included",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTopics(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runTopics(ctx context.Context, out io.Writer) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	admin, err := kafka.NewAdmin(rt.cfg.Kafka)
	if err != nil {
		return err
	}
	defer admin.Close()

	topics := brokerkafka.Topics(rt.cfg.Kafka)
	if err := admin.EnsureTopics(ctx, topics...); err != nil {
		return err
	}
	existing, err := admin.ListTopics(ctx, topics...)
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Topic", "Present"})
	for _, t := range topics {
		tw.AppendRow(table.Row{t, slices.Contains(existing, t)})
	}
	tw.Render()
	rt.logger.InfoContext(ctx, "topics ensured", "count", len(topics))
	return nil
}
