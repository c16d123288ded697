package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/engine"
	"github.com/hoistup/hoist/internal/core/ledger"
	"github.com/hoistup/hoist/internal/manifest"
	"github.com/hoistup/hoist/internal/metrics"
	"github.com/hoistup/hoist/internal/observability"
	"github.com/hoistup/hoist/internal/output"
)

var (
	uploadProviders     []string
	uploadManifest      string
	uploadTitle         string
	uploadDestination   string
	uploadPrivacy       string
	uploadNoSessionLock bool
	uploadOutput        string
	uploadOut           string
)

var uploadCmd = &cobra.Command{
	Use:   "upload [files|urls...]",
	Short: "Upload files or URLs to a provider",
	Long: `Upload files or URLs to sxcu, imgchest or catbox.

Items are validated locally, split into provider-sized chunks and sent
through the shared rate-limit ledger. With --title the batch lands in a
collection, post or album; --destination appends to one that already
exists. Passing --provider more than once uploads the same items to each
provider in turn.`,
	Example: `  hoist upload -p sxcu shot.png
  hoist upload -p imgchest --title "Trip" *.jpg
  hoist upload -m batch.yaml -o json
  hoist upload -p catbox https://example.com/cat.gif
  hoist upload -p imgchest --destination Bx7kq2 more.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(uploadOutput)
		if err != nil {
			return err
		}

		m, err := loadUploadManifest(args)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := cancelOnShutdown(cmd.Context(), signals.NewManager())
		defer stop()

		logger := observability.CLILogger
		st, err := buildStack(ctx, cfg, stackOptions{
			noSessionLock: uploadNoSessionLock,
			logger:        logger,
		})
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		title := firstNonEmpty(uploadTitle, m.Title)
		privacy := firstNonEmpty(uploadPrivacy, m.Privacy)
		providers := normalizeProviders(uploadProviders)
		if len(providers) == 0 && strings.TrimSpace(m.Provider) != "" {
			providers = []string{strings.ToLower(strings.TrimSpace(m.Provider))}
		}
		if len(providers) == 0 {
			return withExitCode(foundry.ExitConfigInvalid,
				errors.New("provider is required (--provider or manifest provider)"))
		}

		m.Destination = firstNonEmpty(uploadDestination, m.Destination)
		var items []core.Item
		for _, name := range providers {
			items = append(items, m.Items(name)...)
		}

		started := time.Now()
		results, runErr := st.orchestrator.Dispatch(ctx, items, title, privacy, cliObserver(strings.Join(providers, ",")))
		for _, result := range results {
			metrics.RecordBatch(result, time.Since(started))
		}

		if len(results) > 0 {
			if err := writeUploadResults(format, results); err != nil {
				return err
			}
		}
		if runErr != nil {
			return classifyRunError(runErr)
		}
		return batchOutcome(results)
	},
}

// cancelOnShutdown returns a context that m cancels on SIGINT or SIGTERM.
// stop releases the listener.
func cancelOnShutdown(parent context.Context, m *signals.Manager) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	m.OnShutdown(func(context.Context) error {
		if logger := observability.CLILogger; logger != nil {
			logger.Info("Interrupted, stopping after the current chunk")
		}
		cancel()
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := m.Listen(ctx)
		if logger := observability.CLILogger; logger != nil && err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Signal handler error", zap.Error(err))
		}
	}()

	return ctx, func() {
		cancel()
		<-done
		m.Stop()
	}
}

func loadUploadManifest(args []string) (*manifest.Manifest, error) {
	if strings.TrimSpace(uploadManifest) == "" {
		return manifest.FromArgs(args)
	}
	m, err := manifest.Load(uploadManifest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, withExitCode(foundry.ExitFileNotFound, err)
		}
		return nil, err
	}
	m = m.With(args...)
	if m.Len() == 0 {
		return nil, errors.New("manifest lists no items")
	}
	return m, nil
}

// cliObserver reports batch progress through the CLI logger.
func cliObserver(providers string) engine.Observer {
	logger := observability.CLILogger
	return engine.Observer{
		OnProgress: func(s core.Snapshot) {
			if logger == nil {
				return
			}
			fields := []zap.Field{
				zap.String("provider", s.Provider),
				zap.Int("chunk", s.Chunk),
				zap.Int("chunks", s.Chunks),
				zap.Int("succeeded", s.Succeeded),
				zap.Int("failed", s.Failed),
				zap.Int("total", s.Total),
			}
			if s.LastError != "" {
				fields = append(fields, zap.String("last_error", s.LastError))
			}
			logger.Info("Upload progress", fields...)
		},
		OnRateLimitWait: func(wait time.Duration, bucket ledger.BucketKey) {
			metrics.RecordRateLimitWait(bucket.Provider, bucket.Route, wait)
			if logger != nil {
				logger.Info("Waiting for rate limit window",
					zap.String("bucket", bucket.String()),
					zap.Duration("wait", wait.Round(time.Millisecond)))
			}
		},
		OnSessionWait: func() {
			metrics.RecordSessionWait(providers)
			if logger != nil {
				logger.Info("Another hoist upload is running; waiting for it to finish")
			}
		},
	}
}

func writeUploadResults(format output.Format, results []*core.BatchResult) error {
	sink, err := openSink(uploadOut)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	rendered, err := output.FormatBatchList(format, results)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(sink.writer, rendered)
	return err
}

// classifyRunError maps a batch that could not proceed to an exit code.
func classifyRunError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return withExitCode(foundry.ExitFailure, fmt.Errorf("upload cancelled: %w", err))
	case core.KindOf(err) == core.KindLock:
		return withExitCode(foundry.ExitFailure, err)
	case errors.Is(err, engine.ErrUnknownProvider):
		return withExitCode(foundry.ExitConfigInvalid, err)
	default:
		return err
	}
}

// batchOutcome turns failed items into a non-zero exit.
func batchOutcome(results []*core.BatchResult) error {
	var failed, total int
	upstream := false
	for _, r := range results {
		failed += r.Failed
		total += r.Total
		for _, item := range r.Items {
			if item.State == core.StateFailed && item.Kind != core.KindValidation {
				upstream = true
			}
		}
	}
	if failed == 0 {
		return nil
	}
	err := fmt.Errorf("%d of %d item(s) failed", failed, total)
	if upstream && failed == total {
		return withExitCode(foundry.ExitExternalServiceUnavailable, err)
	}
	return withExitCode(foundry.ExitFailure, err)
}

func normalizeProviders(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name := strings.ToLower(strings.TrimSpace(part))
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringSliceVarP(&uploadProviders, "provider", "p", nil, "Provider: sxcu|imgchest|catbox (repeatable)")
	uploadCmd.Flags().StringVarP(&uploadManifest, "manifest", "m", "", "Manifest file (YAML or newline list, - for stdin)")
	uploadCmd.Flags().StringVar(&uploadTitle, "title", "", "Collection, post or album title")
	uploadCmd.Flags().StringVar(&uploadDestination, "destination", "", "Append to an existing collection, post or album id")
	uploadCmd.Flags().StringVar(&uploadPrivacy, "privacy", "", "Post privacy where supported (e.g. hidden, public)")
	uploadCmd.Flags().BoolVar(&uploadNoSessionLock, "no-session-lock", false, "Do not wait for other hoist uploads (the ledger is still shared)")
	uploadCmd.Flags().StringVarP(&uploadOutput, "output", "o", string(output.FormatTable), "Output format: table|json|markdown")
	uploadCmd.Flags().StringVar(&uploadOut, "out", "", "Write results to a file (default stdout)")

	_ = uploadCmd.MarkFlagFilename("manifest", "yaml", "yml", "txt")
}
