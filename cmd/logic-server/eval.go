package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/ehr/clinlogic/internal/config"
	"github.com/ehr/clinlogic/internal/platform/db"
	"github.com/ehr/clinlogic/internal/platform/logic"
)

type evalFlags struct {
	patients     []string
	patientsFile string
	indexDate    string
	workers      int
	quiet        bool
}

func evalCmd() *cobra.Command {
	var f evalFlags
	cmd := &cobra.Command{
		Use:   "eval QUERY",
		Short: "Evaluate a query for a list of patients and print the results as JSON",
		Example: `  logic-server eval 'LAST CD4 COUNT < 350' --patients 6f1c2a4e-8a3b-4c1d-9e2f-0a1b2c3d4e5f
  logic-server eval 'HIV POSITIVE' --patients-file cohort.txt --index-date 2024-01-01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cohort, err := readCohort(f.patients, f.patientsFile)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			var opts []logic.EvalOption
			if f.indexDate != "" {
				t, err := parseIndexDate(f.indexDate, cfg.IndexDateLayout)
				if err != nil {
					return err
				}
				opts = append(opts, logic.WithIndexDate(t))
			}

			// Logs go to stderr so stdout stays valid JSON.
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			progress := newProgress(cmd.ErrOrStderr(), len(cohort), f.quiet)
			svc, err := buildService(ctx, cfg, pool, logic.Options{
				Workers:  f.workers,
				Progress: progress.update,
			}, logger)
			if err != nil {
				return err
			}

			return runEval(ctx, cmd.OutOrStdout(), svc, args[0], cohort, progress, opts...)
		},
	}
	cmd.Flags().StringSliceVar(&f.patients, "patients", nil, "Comma-separated patient IDs")
	cmd.Flags().StringVar(&f.patientsFile, "patients-file", "", "File with one patient ID per line")
	cmd.Flags().StringVar(&f.indexDate, "index-date", "", "Evaluate as of this date (default now)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Patients evaluated concurrently (default EVAL_WORKERS)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Disable the progress bar")
	return cmd
}

func runEval(ctx context.Context, out io.Writer, svc *logic.Service, query string, cohort []uuid.UUID, progress *progressBar, opts ...logic.EvalOption) error {
	results, err := svc.EvalExpression(ctx, cohort, query, nil, opts...)
	progress.wait()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// readCohort merges the --patients list and the --patients-file lines.
// Blank lines and lines starting with # are ignored.
func readCohort(ids []string, file string) ([]uuid.UUID, error) {
	raw := append([]string(nil), ids...)
	if file != "" {
		fh, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open patients file: %w", err)
		}
		defer fh.Close()
		sc := bufio.NewScanner(fh)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			raw = append(raw, strings.Split(line, ",")...)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read patients file: %w", err)
		}
	}

	cohort := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid patient id %q: %w", s, err)
		}
		cohort = append(cohort, id)
	}
	if len(cohort) == 0 {
		return nil, fmt.Errorf("no patients given: use --patients or --patients-file")
	}
	return cohort, nil
}

func parseIndexDate(s, layout string) (time.Time, error) {
	if strings.EqualFold(s, "today") {
		y, m, d := time.Now().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid index date %q: want %s or RFC 3339", s, layout)
	}
	return t, nil
}

// progressBar adapts the service progress callback to an mpb bar. A nil
// *progressBar is a no-op.
type progressBar struct {
	p   *mpb.Progress
	bar *mpb.Bar

	mu   sync.Mutex
	done int
}

func newProgress(w io.Writer, total int, quiet bool) *progressBar {
	if quiet {
		return nil
	}
	p := mpb.New(mpb.WithOutput(w), mpb.WithWidth(48))
	bar := p.AddBar(int64(total),
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name("eval", decor.WC{W: 5}),
			decor.CountersNoUnit("%d / %d", decor.WC{W: 14}),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 6}), "done"),
			decor.Percentage(decor.WC{W: 5}),
		),
	)
	return &progressBar{p: p, bar: bar}
}

// update may be called from several workers at once. The bar only moves
// forward, so late callbacks carrying a smaller count are dropped.
func (b *progressBar) update(done, total int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if done > b.done {
		b.done = done
		b.bar.SetCurrent(int64(done))
	}
}

// wait completes the bar, even when evaluation stopped early, and flushes
// the output.
func (b *progressBar) wait() {
	if b == nil {
		return
	}
	if !b.bar.Completed() {
		b.bar.Abort(true)
	}
	b.p.Wait()
}

func tokensCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "tokens [PARTIAL]",
		Short: "List registered tokens, optionally filtered by tag or substring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := buildService(ctx, cfg, pool, logic.Options{}, logger)
			if err != nil {
				return err
			}
			partial := ""
			if len(args) == 1 {
				partial = args[0]
			}
			return listTokens(cmd.OutOrStdout(), svc, tag, partial)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Only list tokens carrying this tag")
	return cmd
}

func listTokens(out io.Writer, svc *logic.Service, tag, partial string) error {
	var tokens []string
	if tag != "" {
		p := strings.ToLower(partial)
		for _, t := range svc.Registry().GetTokensWithTag(tag) {
			if strings.Contains(strings.ToLower(t), p) {
				tokens = append(tokens, t)
			}
		}
	} else {
		tokens = svc.Registry().GetTokens(partial)
	}
	sort.Strings(tokens)
	for _, t := range tokens {
		if _, err := fmt.Fprintln(out, t); err != nil {
			return err
		}
	}
	return nil
}
