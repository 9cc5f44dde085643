package detect

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type fakeReporter struct {
	mu          sync.Mutex
	deployments []DeploymentSignal
	mints       []MintSignal
	heights     []uint64
	mintErr     error
}

func (r *fakeReporter) ReportDeployment(_ context.Context, sig DeploymentSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments = append(r.deployments, sig)
	return nil
}

func (r *fakeReporter) ReportMint(_ context.Context, sig MintSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mints = append(r.mints, sig)
	return r.mintErr
}

func (r *fakeReporter) BlockProcessed(_ context.Context, height uint64, _ common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heights = append(r.heights, height)
	return nil
}

func testOptions() Options {
	opts := DefaultOptions("test")
	opts.BlockRetries = 1
	opts.RetryBackoff = time.Millisecond
	return opts
}

// seedBlock builds a block with a deployment, a plain call and two mints (one ERC-20 shaped).
func seedBlock(f *fakeChain, height uint64) {
	nft := common.HexToAddress("0xabcd000000000000000000000000000000000001")
	f.erc721[nft] = true
	f.addCall(height, common.HexToHash("0xa1"), common.HexToAddress("0x1234"))
	f.addCreation(height, common.HexToHash("0xa2"), nft)

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	erc20 := transferLog(height, common.HexToAddress("0xc0"), ZeroAddress, to, 1, 0)
	erc20.Topics = erc20.Topics[:3]
	f.logs[height] = append(f.logs[height],
		erc20,
		transferLog(height, nft, ZeroAddress, to, 1, 1),
		transferLog(height, nft, ZeroAddress, to, 2, 2),
	)
}

func TestProcessBlockReportsSignals(t *testing.T) {
	f := newFakeChain()
	seedBlock(f, 12)
	rep := &fakeReporter{}
	p, err := NewProcessor(f, rep, testOptions(), nil, nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	p.ProcessBlock(context.Background(), 12)

	if len(rep.deployments) != 1 {
		t.Fatalf("expected 1 deployment, got %d", len(rep.deployments))
	}
	if len(rep.mints) != 2 {
		t.Fatalf("expected 2 mints, got %d", len(rep.mints))
	}
	if rep.mints[0].TokenID.Int64() != 1 || rep.mints[1].TokenID.Int64() != 2 {
		t.Fatalf("mints out of log order: %+v", rep.mints)
	}
	if !reflect.DeepEqual(rep.heights, []uint64{12}) {
		t.Fatalf("unexpected processed heights %v", rep.heights)
	}
}

func TestDetectIsIdempotent(t *testing.T) {
	f := newFakeChain()
	seedBlock(f, 12)
	p, err := NewProcessor(f, nil, testOptions(), nil, nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	first, err := p.Detect(context.Background(), 12)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	second, err := p.Detect(context.Background(), 12)
	if err != nil {
		t.Fatalf("detect again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}
	if first.Skipped[ReasonNotCreation] != 1 || first.Skipped[ReasonTopicCount] != 1 {
		t.Fatalf("unexpected skip tallies %v", first.Skipped)
	}
}

func TestProcessBlockSurvivesBlockFailure(t *testing.T) {
	f := newFakeChain()
	f.blockErr = errors.New("connection refused")
	rep := &fakeReporter{}
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	p, err := NewProcessor(f, rep, testOptions(), log, nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	p.ProcessBlock(context.Background(), 3)

	if len(rep.deployments)+len(rep.mints)+len(rep.heights) != 0 {
		t.Fatalf("nothing should be reported for a failed block")
	}
	if !strings.Contains(buf.String(), "block processing failed") || !strings.Contains(buf.String(), "height=3") {
		t.Fatalf("expected failure log line, got %q", buf.String())
	}
}

func TestProcessBlockContinuesAfterReporterError(t *testing.T) {
	f := newFakeChain()
	seedBlock(f, 4)
	rep := &fakeReporter{mintErr: errors.New("sink down")}
	p, err := NewProcessor(f, rep, testOptions(), nil, nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	p.ProcessBlock(context.Background(), 4)

	if len(rep.mints) != 2 {
		t.Fatalf("expected both mints to be attempted, got %d", len(rep.mints))
	}
	if len(rep.heights) != 1 {
		t.Fatalf("height should still be recorded")
	}
}

func TestDetectorToggles(t *testing.T) {
	f := newFakeChain()
	seedBlock(f, 9)
	opts := testOptions()
	opts.Mints = false
	p, err := NewProcessor(f, nil, opts, nil, nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	res, err := p.Detect(context.Background(), 9)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Deployments) != 1 || len(res.Mints) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.queries) != 0 {
		t.Fatalf("log query issued with mints disabled")
	}
}

func TestProcessBlockReportsDeploymentsWhenLogsFail(t *testing.T) {
	f := newFakeChain()
	seedBlock(f, 6)
	f.logsErr = errors.New("rate limited")
	rep := &fakeReporter{}
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	p, err := NewProcessor(f, rep, testOptions(), log, nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	res, err := p.Detect(context.Background(), 6)
	if err == nil || !errors.Is(err, f.logsErr) {
		t.Fatalf("expected log fetch error, got %v", err)
	}
	if res == nil || len(res.Deployments) != 1 {
		t.Fatalf("deployments should survive a log fetch failure: %+v", res)
	}

	p.ProcessBlock(context.Background(), 6)

	if len(rep.deployments) != 1 {
		t.Fatalf("expected the deployment to be reported, got %d", len(rep.deployments))
	}
	if len(rep.mints) != 0 {
		t.Fatalf("no mints expected, got %d", len(rep.mints))
	}
	if len(rep.heights) != 0 {
		t.Fatalf("a partially processed height must not be recorded: %v", rep.heights)
	}
	if !strings.Contains(buf.String(), "block processing failed") {
		t.Fatalf("expected failure log line, got %q", buf.String())
	}
}
