package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/stretchr/testify/require"

	"github.com/hoistup/hoist/internal/core"
)

func TestLedgerResetQuery(t *testing.T) {
	reset := func() {
		ledgerResetAll, ledgerResetYes, ledgerResetDryRun = false, false, false
		ledgerResetProvider, ledgerResetBucket = "", ""
	}
	t.Cleanup(reset)

	reset()
	_, err := ledgerResetQuery()
	require.Error(t, err)

	reset()
	ledgerResetAll = true
	_, err = ledgerResetQuery()
	require.ErrorContains(t, err, "--yes")

	ledgerResetDryRun = true
	query, err := ledgerResetQuery()
	require.NoError(t, err)
	require.True(t, query.All)
	require.True(t, query.DryRun)

	reset()
	ledgerResetAll = true
	ledgerResetProvider = "sxcu"
	_, err = ledgerResetQuery()
	require.ErrorContains(t, err, "mutually exclusive")

	reset()
	ledgerResetBucket = "sxcu/*"
	query, err = ledgerResetQuery()
	require.NoError(t, err)
	require.NotNil(t, query.Bucket)
	require.True(t, query.Bucket.IsGlobal())
}

func TestBatchOutcome(t *testing.T) {
	require.NoError(t, batchOutcome([]*core.BatchResult{{Total: 2, Succeeded: 2}}))

	partial := &core.BatchResult{Total: 2, Succeeded: 1, Failed: 1, Items: []core.ItemResult{
		{State: core.StateSucceeded},
		{State: core.StateFailed, Kind: core.KindTransport},
	}}
	require.Equal(t, foundry.ExitFailure, ExitCodeFor(batchOutcome([]*core.BatchResult{partial})))

	failed := &core.BatchResult{Total: 1, Failed: 1, Items: []core.ItemResult{
		{State: core.StateFailed, Kind: core.KindRateLimit},
	}}
	require.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCodeFor(batchOutcome([]*core.BatchResult{failed})))

	invalid := &core.BatchResult{Total: 1, Failed: 1, Items: []core.ItemResult{
		{State: core.StateFailed, Kind: core.KindValidation},
	}}
	require.Equal(t, foundry.ExitFailure, ExitCodeFor(batchOutcome([]*core.BatchResult{invalid})))
}

func TestExitCodeFor(t *testing.T) {
	require.Equal(t, foundry.ExitFailure, ExitCodeFor(errors.New("boom")))
	err := withExitCode(foundry.ExitConfigInvalid, errors.New("bad driver"))
	require.Equal(t, foundry.ExitConfigInvalid, ExitCodeFor(err))
	require.Equal(t, "bad driver", err.Error())
	require.NoError(t, withExitCode(foundry.ExitFailure, nil))
}

func TestNormalizeProviders(t *testing.T) {
	require.Equal(t, []string{"sxcu", "catbox"}, normalizeProviders([]string{"SXCU, catbox", "sxcu", " "}))
	require.Empty(t, normalizeProviders(nil))
}

func TestLoadUploadManifest(t *testing.T) {
	t.Cleanup(func() { uploadManifest = "" })

	uploadManifest = ""
	m, err := loadUploadManifest([]string{"a.png", "a.png", "https://example.com/b.gif"})
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: imgchest\ntitle: Trip\nitems:\n  - one.png\n"), 0o600))
	uploadManifest = path
	m, err = loadUploadManifest([]string{"two.png"})
	require.NoError(t, err)
	require.Equal(t, "imgchest", m.Provider)
	require.Equal(t, []string{filepath.Join(dir, "one.png"), "two.png"}, m.Sources())

	uploadManifest = filepath.Join(dir, "missing.yaml")
	_, err = loadUploadManifest(nil)
	require.Equal(t, foundry.ExitFileNotFound, ExitCodeFor(err))
}

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "b", firstNonEmpty(" ", "b", "c"))
	require.Equal(t, "", firstNonEmpty())
}

func TestCancelOnShutdown(t *testing.T) {
	for _, sig := range []os.Signal{syscall.SIGTERM, syscall.SIGINT} {
		t.Run(sig.String(), func(t *testing.T) {
			m := signals.NewManager()
			ctx, stop := cancelOnShutdown(context.Background(), m)
			defer stop()

			injector := signals.NewInjector(m)
			require.NoError(t, injector.WaitForListen(time.Second))
			require.NoError(t, ctx.Err())
			require.NoError(t, injector.Inject(sig))

			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
				t.Fatal("context not cancelled by shutdown signal")
			}
		})
	}
}

func TestCancelOnShutdownStopReleasesListener(t *testing.T) {
	m := signals.NewManager()
	ctx, stop := cancelOnShutdown(context.Background(), m)
	stop()

	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.False(t, signals.NewInjector(m).IsRunning())
}
