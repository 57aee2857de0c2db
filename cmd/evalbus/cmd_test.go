package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalbus/internal/evaluation/models"
	"evalbus/internal/platform/config"
	"evalbus/pkg/testutil"
)

// resetConfig gives each test fresh global configuration with fast timings.
func resetConfig(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	v := viper.GetViper()
	config.SetDefaults(v)
	out := t.TempDir()
	v.Set("evaluation.negotiation_interval", 50*time.Millisecond)
	v.Set("evaluation.negotiation_timeout", 500*time.Millisecond)
	v.Set("evaluation.negotiation_grace", 20*time.Millisecond)
	v.Set("evaluation.consumption_timeout", 2*time.Second)
	v.Set("evaluation.heartbeat_interval", 50*time.Millisecond)
	v.Set("evaluation.job_id_env", "")
	v.Set("broker.publish_backoff", time.Millisecond)
	v.Set("subscriber.output_dir", out)
	v.Set("logging.level", "error")
	return out
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "evalbus", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"subscribe", "evaluate", "topics"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
	for _, flag := range []string{"config", "broker", "seed-brokers", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing flag %q", flag)
	}
}

func TestEvaluateRequiresDescription(t *testing.T) {
	resetConfig(t)
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs([]string{"evaluate"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "description")
}

func TestReadDescription(t *testing.T) {
	dir := t.TempDir()

	t.Run("formats are normalised", func(t *testing.T) {
		path := testutil.WriteFile(t, dir, "ok.yaml", "name: wind\nformats: [png, ' csv ', PNG]\npool_count: 2\n")
		desc, err := readDescription(path)
		require.NoError(t, err)
		assert.Equal(t, "wind", desc.Name)
		assert.Equal(t, []models.Format{models.FormatPNG, models.FormatCSV}, desc.Formats)
		assert.Equal(t, 2, desc.PoolCount)
	})

	t.Run("unknown format is rejected", func(t *testing.T) {
		path := testutil.WriteFile(t, dir, "bad.yaml", "formats: [gif]\npool_count: 1\n")
		_, err := readDescription(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GIF")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readDescription(filepath.Join(dir, "absent.yaml"))
		require.Error(t, err)
	})
}

func TestEachLine(t *testing.T) {
	dir := t.TempDir()

	t.Run("group ids and blank lines", func(t *testing.T) {
		path := testutil.WriteFile(t, dir, "stats.jsonl",
			`{"scores":[{"feature":"f1","metric":"mae","value":1.5}]}`+"\n\n"+
				`{"group_id":"g1","pools":["p1"],"scores":[{"feature":"f2","metric":"mae","value":2}]}`+"\n")

		var lines []statisticsLine
		require.NoError(t, eachLine(path, func(l statisticsLine) error {
			lines = append(lines, l)
			return nil
		}))
		require.Len(t, lines, 2)
		assert.Empty(t, lines[0].GroupID)
		assert.Equal(t, "f1", lines[0].Scores[0].Feature)
		assert.Equal(t, "g1", lines[1].GroupID)
		assert.Equal(t, []string{"p1"}, lines[1].Pools)
	})

	t.Run("malformed line names its position", func(t *testing.T) {
		path := testutil.WriteFile(t, dir, "broken.jsonl", `{"scores":[]}`+"\n{not json\n")
		err := eachLine(path, func(statisticsLine) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken.jsonl:2")
	})
}

func TestRunEvaluate(t *testing.T) {
	testutil.Given(t, "a description and statistics on disk", func(t *testing.T) {
		out := resetConfig(t)
		dir := t.TempDir()
		desc := testutil.WriteFile(t, dir, "desc.yaml", "name: wind\nformats: [PNG]\npool_count: 1\n")
		stats := testutil.WriteFile(t, dir, "stats.jsonl",
			`{"scores":[{"feature":"f1","metric":"mae","value":1}]}`+"\n"+
				`{"group_id":"g1","scores":[{"feature":"f2","metric":"mae","value":2}]}`+"\n"+
				`{"group_id":"g1","scores":[{"feature":"f3","metric":"mae","value":3}]}`+"\n")

		testutil.When(t, "it is evaluated with a local subscriber", func(t *testing.T) {
			var summary bytes.Buffer
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			err := runEvaluate(ctx, evaluateFlags{
				description:  desc,
				statistics:   stats,
				clientID:     "cli-test",
				serveLocally: true,
			}, &summary)

			testutil.Then(t, "it succeeds and the subscriber wrote the evaluation", func(t *testing.T) {
				require.NoError(t, err)
				assert.Contains(t, summary.String(), "Negotiation")
				assert.Contains(t, summary.String(), "Exit code")

				files, globErr := filepath.Glob(filepath.Join(out, "*.jsonl"))
				require.NoError(t, globErr)
				assert.Len(t, files, 1)
			})
		})
	})
}

func TestRunEvaluateWithoutSubscribers(t *testing.T) {
	resetConfig(t)
	desc := testutil.WriteFile(t, t.TempDir(), "desc.yaml", "formats: [CSV]\npool_count: 1\n")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := runEvaluate(ctx, evaluateFlags{description: desc, clientID: "cli-test"}, new(bytes.Buffer))

	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.code)
}
