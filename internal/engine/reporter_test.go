package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devblac/mint-watch/internal/config"
	"github.com/devblac/mint-watch/internal/detect"
	"github.com/devblac/mint-watch/internal/sink"
	"github.com/devblac/mint-watch/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

type fakeSink struct {
	mu       sync.Mutex
	payloads []sink.EventPayload
	err      error
}

func (f *fakeSink) Send(ctx context.Context, payload sink.EventPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/db.sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var (
	nftContract = common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	recipient   = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func mint(tokenID int64, logIndex uint) detect.MintSignal {
	return detect.MintSignal{
		Height:   100,
		Contract: nftContract,
		TokenID:  big.NewInt(tokenID),
		To:       recipient,
		TxHash:   common.HexToHash("0xabc"),
		LogIndex: logIndex,
	}
}

func TestReporterStoresAndSendsOnce(t *testing.T) {
	store := newTestStore(t)
	s := &fakeSink{}
	alerts := []config.Alert{{ID: "mints", Source: "src", Signal: config.SignalMint, Sinks: []string{"s1"}}}
	r, err := NewReporter("src", store, alerts, map[string]sink.Sender{"s1": s}, false, nil, nil)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}
	ctx := context.Background()

	if err := r.ReportMint(ctx, mint(5, 2)); err != nil {
		t.Fatalf("report: %v", err)
	}
	// reprocessing the same height must not resend
	if err := r.ReportMint(ctx, mint(5, 2)); err != nil {
		t.Fatalf("report again: %v", err)
	}
	if len(s.payloads) != 1 {
		t.Fatalf("expected 1 send, got %d", len(s.payloads))
	}
	got := s.payloads[0]
	if got.Kind != config.SignalMint || got.TokenID != "5" || got.To != recipient.Hex() || got.AlertID != "mints" {
		t.Fatalf("unexpected payload: %+v", got)
	}

	stored, err := store.ListSignals(ctx, storage.SignalFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 || stored[0].TokenID != "5" || stored[0].Height != 100 {
		t.Fatalf("unexpected stored signals: %+v", stored)
	}
}

func TestReporterRoutesBySignalAndContract(t *testing.T) {
	deploys, mints := &fakeSink{}, &fakeSink{}
	alerts := []config.Alert{
		{ID: "d", Source: "src", Signal: config.SignalDeployment, Sinks: []string{"deploys"}},
		{ID: "m", Source: "src", Signal: config.SignalMint, Contract: "0x000000000000000000000000000000000000beef", Sinks: []string{"mints"}},
		{ID: "other", Source: "elsewhere", Signal: config.SignalMint, Sinks: []string{"mints"}},
	}
	r, err := NewReporter("src", nil, alerts, map[string]sink.Sender{"deploys": deploys, "mints": mints}, false, nil, nil)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}
	ctx := context.Background()

	_ = r.ReportDeployment(ctx, detect.DeploymentSignal{Height: 7, Contract: common.HexToAddress("0xabcd"), TxHash: common.HexToHash("0x1")})
	_ = r.ReportMint(ctx, mint(1, 0))
	other := mint(2, 1)
	other.Contract = common.HexToAddress("0xdead")
	_ = r.ReportMint(ctx, other)

	if len(deploys.payloads) != 1 || deploys.payloads[0].TokenID != "" {
		t.Fatalf("expected one deployment alert, got %+v", deploys.payloads)
	}
	if len(mints.payloads) != 1 || mints.payloads[0].TokenID != "1" {
		t.Fatalf("expected contract filter to pass only 0xbeef mints, got %+v", mints.payloads)
	}
}

func TestReporterPredicatesDedupeAndDryRun(t *testing.T) {
	store := newTestStore(t)
	alerts := []config.Alert{{
		ID:     "low_ids",
		Source: "src",
		Signal: config.SignalMint,
		Where:  []string{"token_id < 100"},
		Sinks:  []string{"s1"},
		Dedupe: &config.Dedupe{Key: "contract:token_id", TTL: "1h"},
	}}
	s := &fakeSink{}
	r, err := NewReporter("src", store, alerts, map[string]sink.Sender{"s1": s}, true, nil, nil)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}
	ctx := context.Background()

	if err := r.ReportMint(ctx, mint(5, 0)); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(s.payloads) != 0 {
		t.Fatalf("expected no sends in dry-run, got %d", len(s.payloads))
	}
	if stored, _ := store.ListSignals(ctx, storage.SignalFilter{}); len(stored) != 0 {
		t.Fatalf("dry-run must not persist signals")
	}

	r.dryRun = false
	_ = r.ReportMint(ctx, mint(5, 0))
	_ = r.ReportMint(ctx, mint(5, 1)) // same contract:token_id from another log
	_ = r.ReportMint(ctx, mint(500, 2))
	if len(s.payloads) != 1 {
		t.Fatalf("expected predicate + dedupe to leave 1 send, got %d", len(s.payloads))
	}
}

func TestReporterDedupeUnderConcurrentBlocks(t *testing.T) {
	store := newTestStore(t)
	alerts := []config.Alert{{
		ID:     "per_token",
		Source: "src",
		Signal: config.SignalMint,
		Sinks:  []string{"s1"},
		Dedupe: &config.Dedupe{Key: "contract:token_id", TTL: "1h"},
	}}
	s := &fakeSink{}
	r, err := NewReporter("src", store, alerts, map[string]sink.Sender{"s1": s}, false, nil, nil)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}

	// The same token seen in several logs, reported from parallel blocks.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(logIndex uint) {
			defer wg.Done()
			if err := r.ReportMint(context.Background(), mint(7, logIndex)); err != nil {
				t.Errorf("report: %v", err)
			}
		}(uint(i))
	}
	wg.Wait()

	if len(s.payloads) != 1 {
		t.Fatalf("expected exactly one send for a deduped token, got %d", len(s.payloads))
	}
}

func TestReporterRecordsFailedSendAndRetries(t *testing.T) {
	store := newTestStore(t)
	s := &fakeSink{err: &sink.StatusError{Code: 502}}
	alerts := []config.Alert{{ID: "a", Source: "src", Signal: config.SignalMint, Sinks: []string{"s1", "missing"}}}
	r, err := NewReporter("src", store, alerts, map[string]sink.Sender{"s1": s}, false, nil, nil)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}
	ctx := context.Background()

	err = r.ReportMint(ctx, mint(5, 0))
	var status *sink.StatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected sink error, got %v", err)
	}

	s.err = nil
	if err := r.ReportMint(ctx, mint(5, 0)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(s.payloads) != 1 {
		t.Fatalf("expected failed send to be retried once, got %d", len(s.payloads))
	}
}

func TestReporterRateLimit(t *testing.T) {
	s := &fakeSink{}
	alerts := []config.Alert{{
		ID: "a", Source: "src", Signal: config.SignalMint, Sinks: []string{"s1"},
		RateLimit: &config.RateLimit{Burst: 2, PerSecond: 0.001},
	}}
	r, err := NewReporter("src", nil, alerts, map[string]sink.Sender{"s1": s}, false, nil, nil)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}
	now := time.Now()
	r.nowFunc = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_ = r.ReportMint(context.Background(), mint(int64(i), uint(i)))
	}
	if len(s.payloads) != 2 {
		t.Fatalf("expected burst of 2, got %d", len(s.payloads))
	}
}

func TestReporterLogsEverySignal(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	r, err := NewReporter("soneium", nil, nil, nil, false, log, nil)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}
	ctx := context.Background()

	_ = r.ReportDeployment(ctx, detect.DeploymentSignal{Height: 7, Contract: common.HexToAddress("0xabcd"), TxHash: common.HexToHash("0x1")})
	_ = r.ReportMint(ctx, mint(5, 0))

	out := buf.String()
	for _, want := range []string{
		`msg="erc721 deployed" source=soneium height=7 contract=` + common.HexToAddress("0xabcd").Hex(),
		`msg="token minted" source=soneium height=100 contract=` + nftContract.Hex() + " token_id=5 to=" + recipient.Hex(),
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestBlockProcessedAdvancesHeight(t *testing.T) {
	store := newTestStore(t)
	r, err := NewReporter("src", store, nil, nil, false, nil, nil)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}
	ctx := context.Background()

	if err := r.BlockProcessed(ctx, 12, common.HexToHash("0x12")); err != nil {
		t.Fatalf("block processed: %v", err)
	}
	h, _, ok, err := store.ProcessedHeight(ctx, "src")
	if err != nil || !ok || h != 12 {
		t.Fatalf("height = %d ok=%v err=%v", h, ok, err)
	}
}

func TestNewReporterRejectsBadPredicate(t *testing.T) {
	alerts := []config.Alert{{ID: "a", Source: "src", Signal: config.SignalMint, Where: []string{"token_id ~ 5"}}}
	if _, err := NewReporter("src", nil, alerts, nil, false, nil, nil); err == nil {
		t.Fatalf("expected predicate compile error")
	}
}
