package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"argus/bootstrap"
	"argus/config"
	"argus/core"
	"argus/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// replaySummary is the outcome of feeding a recorded event file through a fresh engine
type replaySummary struct {
	Events      int            `json:"events"`
	Invalid     int            `json:"invalid_lines"`
	Detections  int            `json:"detections"`
	Escalations int            `json:"escalations"`
	ByTrigger   map[string]int `json:"detections_by_trigger"`
	HighestRisk float64        `json:"highest_risk"`
	Score       float64        `json:"security_score"`
	Duration    time.Duration  `json:"duration_ns"`
}

type replayOptions struct {
	file       string
	configPath string
	rulesFile  string
	outputJSON bool
	verbose    bool
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded events through an in-memory engine",
		Long: `Replay a JSON Lines file of events through a fresh in-memory engine and
print what would have been detected. Blank lines and lines starting with #
are skipped; malformed lines are counted and reported.

Use --file - to read events from stdin.`,
		Example: `  argus replay --file events.jsonl
  argus replay --file events.jsonl --rules rules.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "JSON Lines event file (required)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Config file path (defaults are used when empty)")
	cmd.Flags().StringVar(&opts.rulesFile, "rules", "", "Additional rules file, overrides detection.rules_file")
	cmd.Flags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runReplay(cmd *cobra.Command, opts replayOptions) error {
	cfg := config.Defaults()
	if opts.configPath != "" {
		loaded, err := config.LoadConfigFile(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.rulesFile != "" {
		cfg.Detection.RulesFile = opts.rulesFile
	}
	// a replay never reaches out: no archive, no schedule, no notifications
	cfg.Storage.Archive.Enabled = false
	cfg.Analytics.Enabled = false

	sugar := zap.NewNop().Sugar()
	if opts.verbose {
		_, s, err := bootstrap.InitLogger()
		if err != nil {
			return err
		}
		sugar = s
	}

	catalog, err := bootstrap.InitCatalog(cfg, sugar)
	if err != nil {
		return err
	}

	in, closeInput, err := openReplayInput(cmd, opts.file)
	if err != nil {
		return err
	}
	defer closeInput()

	engine := service.NewEngine(cfg, service.Dependencies{Catalog: catalog}, sugar.Named("engine"))
	defer engine.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	summary, err := replay(ctx, engine, in, func(line int, err error) {
		if !opts.outputJSON {
			warningColor.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", line, err)
		}
	})
	if err != nil {
		return err
	}

	if opts.outputJSON {
		return outputAsJSON(cmd.OutOrStdout(), summary)
	}
	renderReplaySummary(cmd.OutOrStdout(), summary)
	return nil
}

func openReplayInput(cmd *cobra.Command, file string) (io.Reader, func(), error) {
	if file == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// replay ingests every event line from r. onInvalid is called for lines that
// do not decode as an event.
func replay(ctx context.Context, engine *service.Engine, r io.Reader, onInvalid func(line int, err error)) (replaySummary, error) {
	summary := replaySummary{ByTrigger: make(map[string]int)}
	start := time.Now()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLineSize)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("replay interrupted at line %d: %w", line, err)
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var event core.Event
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			summary.Invalid++
			onInvalid(line, err)
			continue
		}

		result := engine.Ingest(ctx, event)
		summary.Events++
		summary.Detections += len(result.Detections)
		for _, d := range result.Detections {
			summary.ByTrigger[d.Trigger.ID]++
		}
		if result.Escalation != nil {
			summary.Escalations++
		}
		if result.Risk.Total > summary.HighestRisk {
			summary.HighestRisk = result.Risk.Total
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read events after line %d: %w", line, err)
	}

	summary.Score = engine.Metrics().SecurityScore
	summary.Duration = time.Since(start)
	return summary, nil
}

func renderReplaySummary(w io.Writer, s replaySummary) {
	headerColor.Fprintln(w, "REPLAY SUMMARY")
	headerColor.Fprintln(w, strings.Repeat("=", 60))
	printField(w, "Events processed", s.Events)
	printField(w, "Invalid lines", s.Invalid)
	printField(w, "Detections", s.Detections)
	printField(w, "Escalations", s.Escalations)
	printField(w, "Highest risk", fmt.Sprintf("%.1f", s.HighestRisk))
	printField(w, "Security score", fmt.Sprintf("%.1f", s.Score))
	printField(w, "Duration", s.Duration.Round(time.Millisecond))

	if len(s.ByTrigger) == 0 {
		fmt.Fprintln(w)
		successColor.Fprintln(w, "No detections")
		return
	}

	triggers := make([]string, 0, len(s.ByTrigger))
	for id := range s.ByTrigger {
		triggers = append(triggers, id)
	}
	sort.Slice(triggers, func(i, j int) bool {
		if s.ByTrigger[triggers[i]] != s.ByTrigger[triggers[j]] {
			return s.ByTrigger[triggers[i]] > s.ByTrigger[triggers[j]]
		}
		return triggers[i] < triggers[j]
	})

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-40s %s\n", "TRIGGER", "COUNT")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, id := range triggers {
		fmt.Fprintf(w, "%-40s %s\n", id, errorColor.Sprint(s.ByTrigger[id]))
	}
}
