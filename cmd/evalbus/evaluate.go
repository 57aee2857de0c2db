package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"evalbus/internal/evaluation/messager"
	"evalbus/internal/evaluation/metrics"
	"evalbus/internal/evaluation/models"
	"evalbus/internal/evaluation/subscriber"
)

// maxLine bounds one JSON line in the statistics and pairs files.
const maxLine = 16 << 20

type evaluateFlags struct {
	description  string
	statistics   string
	pairs        string
	evaluationID string
	clientID     string
	serveLocally bool
}

func newEvaluateCmd() *cobra.Command {
	var f evaluateFlags
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Publish one evaluation and wait for its subscribers",
		Long: `Negotiates subscribers for the formats in the description, publishes every
statistics line (and optional pairs), then waits for consumption to finish.
Statistics lines may carry a "group_id" to be delivered as one folded group.
The process exits with the evaluation's exit code.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEvaluate(ctx, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.description, "description", "", "YAML evaluation description (required)")
	cmd.Flags().StringVar(&f.statistics, "statistics", "", "JSON lines file of statistics messages")
	cmd.Flags().StringVar(&f.pairs, "pairs", "", "JSON lines file of pairs messages")
	cmd.Flags().StringVar(&f.evaluationID, "evaluation-id", "", "reuse an evaluation id instead of generating one")
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "publisher client id (defaults to the host name)")
	cmd.Flags().BoolVar(&f.serveLocally, "serve-locally", false, "also run an in-process subscriber for every format")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

// statisticsLine is one line of the --statistics file.
type statisticsLine struct {
	GroupID string `json:"group_id,omitempty"`
	models.Statistics
}

func runEvaluate(ctx context.Context, f evaluateFlags, out io.Writer) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}

	desc, err := readDescription(f.description)
	if err != nil {
		return err
	}
	clientID := f.clientID
	if clientID == "" {
		if clientID, err = os.Hostname(); err != nil {
			return fmt.Errorf("resolve client id: %w", err)
		}
	}

	b, err := rt.newBroker()
	if err != nil {
		return err
	}
	defer b.Close()

	approver, _, closer, err := rt.approver(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	evalMetrics := metrics.New(rt.registry)
	if f.serveLocally {
		local, err := subscriber.New(b, subscriber.JSONLinesFactory(rt.cfg.Subscriber.OutputDir), desc.Formats,
			subscriber.WithLogger(rt.logger),
			subscriber.WithMetrics(evalMetrics),
		)
		if err != nil {
			return err
		}
		if err := local.Start(ctx); err != nil {
			return err
		}
		defer local.Close()
	}

	opts := []messager.Option{
		messager.WithApprover(approver),
		messager.WithConfig(rt.cfg.Evaluation),
		messager.WithLogger(rt.logger),
		messager.WithMetrics(evalMetrics),
		messager.WithPublishOptions(rt.publishOptions()...),
	}
	if f.evaluationID != "" {
		opts = append(opts, messager.WithEvaluationID(f.evaluationID))
	}
	m, err := messager.Open(ctx, b, desc, clientID, opts...)
	if err != nil {
		return err
	}
	defer m.Close(context.WithoutCancel(ctx))

	code, runErr := publishEvaluation(ctx, m, f)
	printSummary(out, m, code, runErr)
	if runErr != nil || code != 0 {
		return &exitError{code: max(code, 1), cause: runErr}
	}
	return nil
}

func publishEvaluation(ctx context.Context, m *messager.Messager, f evaluateFlags) (int, error) {
	if err := m.Start(ctx); err != nil {
		return 1, err
	}

	fail := func(err error) (int, error) {
		m.Stop(ctx, err)
		return 1, err
	}
	if f.statistics != "" {
		err := eachLine(f.statistics, func(line statisticsLine) error {
			if line.GroupID != "" {
				return m.PublishStatistics(ctx, line.Statistics, messager.InGroup(line.GroupID))
			}
			return m.PublishStatistics(ctx, line.Statistics)
		})
		if err != nil {
			return fail(err)
		}
	}
	if f.pairs != "" {
		if err := eachLine(f.pairs, func(p models.Pairs) error { return m.PublishPairs(ctx, p) }); err != nil {
			return fail(err)
		}
	}
	if err := m.MarkPublicationComplete(ctx); err != nil {
		return fail(err)
	}
	return m.Await(ctx)
}

func readDescription(path string) (*models.Description, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read description: %w", err)
	}
	var desc models.Description
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("parse description %s: %w", path, err)
	}
	names := make([]string, len(desc.Formats))
	for i, f := range desc.Formats {
		names[i] = string(f)
	}
	if desc.Formats, err = models.ParseFormats(names); err != nil {
		return nil, fmt.Errorf("parse description %s: %w", path, err)
	}
	return &desc, nil
}

// eachLine decodes a JSON lines file, skipping blank lines.
func eachLine[T any](path string, fn func(T) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return fmt.Errorf("%s:%d: %w", path, n, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func printSummary(out io.Writer, m *messager.Messager, code int, runErr error) {
	negotiated := m.Negotiated()
	offers := m.Offers()

	nt := table.NewWriter()
	nt.SetOutputMirror(out)
	nt.SetTitle("Negotiation")
	nt.AppendHeader(table.Row{"Format", "Subscriber", "Offers"})
	formats := make([]models.Format, 0, len(offers))
	for f := range offers {
		formats = append(formats, f)
	}
	for f := range negotiated {
		if !slices.Contains(formats, f) {
			formats = append(formats, f)
		}
	}
	for _, f := range models.SortFormats(formats) {
		nt.AppendRow(table.Row{f, negotiated[f], strings.Join(offers[f], ", ")})
	}
	nt.Render()

	counts := m.Counts()
	st := table.NewWriter()
	st.SetOutputMirror(out)
	st.SetTitle("Evaluation " + m.ID())
	st.AppendRows([]table.Row{
		{"Messages", counts.Messages},
		{"Pairs messages", counts.PairsMessages},
		{"Status messages", counts.StatusMessages},
		{"Groups", counts.Groups},
		{"Failed subscribers", strings.Join(m.FailedSubscribers(), ", ")},
		{"Exit code", code},
	})
	if runErr != nil {
		st.AppendRow(table.Row{"Error", runErr.Error()})
	}
	st.Render()
}
