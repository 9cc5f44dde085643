package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/devblac/mint-watch/internal/config"
	"github.com/devblac/mint-watch/internal/detect"
	"github.com/devblac/mint-watch/internal/metrics"
	"github.com/devblac/mint-watch/internal/sink"
	"github.com/devblac/mint-watch/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// Event is a detected signal in the shape alerts, dedupe and sinks work on.
type Event struct {
	Kind     string
	SourceID string
	Height   uint64
	Contract common.Address
	TokenID  *big.Int
	To       common.Address
	Deployer common.Address
	TxHash   common.Hash
	LogIndex uint
}

// ID is the stable storage id of the signal.
func (ev Event) ID() string {
	return storage.SignalID(ev.SourceID, ev.Kind, ev.TxHash.Hex(), ev.LogIndex)
}

// Args exposes the fields predicates can reference.
func (ev Event) Args() map[string]any {
	args := map[string]any{
		"kind":      ev.Kind,
		"source":    ev.SourceID,
		"height":    ev.Height,
		"contract":  ev.Contract,
		"txhash":    ev.TxHash,
		"log_index": ev.LogIndex,
	}
	switch ev.Kind {
	case config.SignalMint:
		args["token_id"] = ev.TokenID
		args["to"] = ev.To
	case config.SignalDeployment:
		args["deployer"] = ev.Deployer
	}
	return args
}

type alertExec struct {
	alert    config.Alert
	contract *common.Address
	preds    []Predicate
	ttl      time.Duration
	limiter  *TokenBucket
}

// Reporter receives a source's signals: it logs them, stores them and routes them
// through the configured alerts to sinks.
type Reporter struct {
	sourceID string
	store    *storage.Store
	sinks    map[string]sink.Sender
	alerts   []alertExec
	dryRun   bool
	log      *slog.Logger
	metrics  *metrics.Metrics
	nowFunc  func() time.Time
}

var _ detect.Reporter = (*Reporter)(nil)

// NewReporter builds a reporter for one source. Only alerts bound to sourceID are
// kept. store, log and mtr may be nil; without a store nothing is persisted or deduped.
func NewReporter(sourceID string, store *storage.Store, alerts []config.Alert, sinks map[string]sink.Sender, dryRun bool, log *slog.Logger, mtr *metrics.Metrics) (*Reporter, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var execs []alertExec
	for _, a := range alerts {
		if a.Source != sourceID {
			continue
		}
		preds, err := CompilePredicates(a.Where)
		if err != nil {
			return nil, fmt.Errorf("alert %s predicates: %w", a.ID, err)
		}
		exec := alertExec{alert: a, preds: preds}
		if a.Contract != "" {
			if !common.IsHexAddress(a.Contract) {
				return nil, fmt.Errorf("alert %s: invalid contract %q", a.ID, a.Contract)
			}
			addr := common.HexToAddress(a.Contract)
			exec.contract = &addr
		}
		if a.Dedupe != nil && a.Dedupe.TTL != "" {
			if d, err := time.ParseDuration(a.Dedupe.TTL); err == nil {
				exec.ttl = d
			}
		}
		if a.RateLimit != nil {
			exec.limiter = NewTokenBucket(a.RateLimit.Burst, a.RateLimit.PerSecond)
		}
		execs = append(execs, exec)
	}

	return &Reporter{
		sourceID: sourceID,
		store:    store,
		sinks:    sinks,
		alerts:   execs,
		dryRun:   dryRun,
		log:      log.With("source", sourceID),
		metrics:  mtr,
		nowFunc:  time.Now,
	}, nil
}

// ReportDeployment logs, stores and alerts on an ERC-721 deployment.
func (r *Reporter) ReportDeployment(ctx context.Context, sig detect.DeploymentSignal) error {
	r.log.Info("erc721 deployed",
		"height", sig.Height,
		"contract", sig.Contract.Hex(),
		"deployer", sig.Deployer.Hex(),
		"tx", sig.TxHash.Hex(),
	)
	return r.handle(ctx, Event{
		Kind:     config.SignalDeployment,
		SourceID: r.sourceID,
		Height:   sig.Height,
		Contract: sig.Contract,
		Deployer: sig.Deployer,
		TxHash:   sig.TxHash,
	})
}

// ReportMint logs, stores and alerts on a mint.
func (r *Reporter) ReportMint(ctx context.Context, sig detect.MintSignal) error {
	r.log.Info("token minted",
		"height", sig.Height,
		"contract", sig.Contract.Hex(),
		"token_id", sig.TokenID.String(),
		"to", sig.To.Hex(),
		"tx", sig.TxHash.Hex(),
	)
	return r.handle(ctx, Event{
		Kind:     config.SignalMint,
		SourceID: r.sourceID,
		Height:   sig.Height,
		Contract: sig.Contract,
		TokenID:  sig.TokenID,
		To:       sig.To,
		TxHash:   sig.TxHash,
		LogIndex: sig.LogIndex,
	})
}

// BlockProcessed advances the source's processed height.
func (r *Reporter) BlockProcessed(ctx context.Context, height uint64, hash common.Hash) error {
	if r.store == nil || r.dryRun {
		return nil
	}
	return r.store.MarkProcessed(ctx, r.sourceID, height, hash.Hex())
}

func (r *Reporter) handle(ctx context.Context, ev Event) error {
	if r.store != nil && !r.dryRun {
		if _, err := r.store.InsertSignal(ctx, toStoredSignal(ev)); err != nil {
			return err
		}
	}

	var errs []error
	for i := range r.alerts {
		if err := r.apply(ctx, &r.alerts[i], ev); err != nil {
			errs = append(errs, fmt.Errorf("alert %s: %w", r.alerts[i].alert.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reporter) apply(ctx context.Context, exec *alertExec, ev Event) error {
	if !strings.EqualFold(exec.alert.Signal, ev.Kind) {
		return nil
	}
	if exec.contract != nil && *exec.contract != ev.Contract {
		return nil
	}
	pass, err := allPredicates(exec.preds, ev.Args())
	if err != nil || !pass {
		r.metrics.AlertsDropped()
		return nil
	}

	now := r.nowFunc()
	if exec.alert.Dedupe != nil && r.store != nil && !r.dryRun {
		key := exec.alert.ID + "|" + buildDedupeKey(exec.alert.Dedupe.Key, ev)
		ttl := exec.ttl
		if ttl == 0 {
			ttl = 24 * time.Hour
		}
		claimed, err := r.store.ClaimDedupe(ctx, key, now, now.Add(ttl))
		if err != nil {
			return err
		}
		if !claimed {
			r.metrics.AlertsDropped()
			return nil
		}
	}

	if exec.limiter != nil && !exec.limiter.Allow(now) {
		r.metrics.AlertsDropped()
		r.log.Warn("alert rate limited", "alert", exec.alert.ID, "contract", ev.Contract.Hex())
		return nil
	}

	if r.dryRun {
		r.log.Info("dry-run alert", "alert", exec.alert.ID, "kind", ev.Kind, "contract", ev.Contract.Hex())
		return nil
	}

	payload := toSinkPayload(ev, exec.alert.ID)
	var errs []error
	for _, sinkID := range exec.alert.Sinks {
		s := r.sinks[sinkID]
		if s == nil {
			continue
		}
		if err := r.deliver(ctx, s, sinkID, payload); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sinkID, err))
		}
	}
	return errors.Join(errs...)
}

// deliver sends once per alert, signal and sink; a reprocessed height does not resend.
func (r *Reporter) deliver(ctx context.Context, s sink.Sender, sinkID string, payload sink.EventPayload) error {
	if r.store != nil {
		sent, err := r.store.Sent(ctx, payload.AlertID, payload.SignalID, sinkID)
		if err != nil {
			return err
		}
		if sent {
			return nil
		}
	}

	sendErr := s.Send(ctx, payload)
	rec := storage.Send{
		AlertID:  payload.AlertID,
		SignalID: payload.SignalID,
		SinkID:   sinkID,
		Status:   storage.SendOK,
	}
	if sendErr != nil {
		rec.Status = storage.SendFailed
		var status *sink.StatusError
		if errors.As(sendErr, &status) {
			rec.ResponseCode = status.Code
		}
		r.metrics.Errors()
	} else {
		r.metrics.AlertsSent()
	}

	if r.store != nil {
		if err := r.store.InsertSend(ctx, rec); err != nil {
			return errors.Join(sendErr, err)
		}
	}
	return sendErr
}

func allPredicates(preds []Predicate, args map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// buildDedupeKey expands a colon-separated pattern of field names. Unknown parts
// are kept literally. An empty pattern keys on the signal itself.
func buildDedupeKey(pattern string, ev Event) string {
	if pattern == "" {
		pattern = "txhash:logIndex"
	}
	parts := strings.Split(pattern, ":")
	for i, p := range parts {
		switch strings.TrimSpace(p) {
		case "txhash":
			parts[i] = ev.TxHash.Hex()
		case "logIndex", "log_index":
			parts[i] = fmt.Sprintf("%d", ev.LogIndex)
		case "contract":
			parts[i] = ev.Contract.Hex()
		case "token_id":
			parts[i] = toString(ev.TokenID)
		case "to":
			parts[i] = ev.To.Hex()
		case "deployer":
			parts[i] = ev.Deployer.Hex()
		case "kind":
			parts[i] = ev.Kind
		case "source":
			parts[i] = ev.SourceID
		}
	}
	return strings.Join(parts, ":")
}

func toStoredSignal(ev Event) storage.Signal {
	sig := storage.Signal{
		ID:       ev.ID(),
		SourceID: ev.SourceID,
		Kind:     ev.Kind,
		Height:   ev.Height,
		Contract: ev.Contract.Hex(),
		TxHash:   ev.TxHash.Hex(),
		LogIndex: ev.LogIndex,
	}
	if ev.Kind == config.SignalMint {
		sig.TokenID = toString(ev.TokenID)
		sig.Recipient = ev.To.Hex()
	}
	return sig
}

func toSinkPayload(ev Event, alertID string) sink.EventPayload {
	p := sink.EventPayload{
		AlertID:  alertID,
		SignalID: ev.ID(),
		Kind:     ev.Kind,
		SourceID: ev.SourceID,
		Height:   ev.Height,
		Contract: ev.Contract.Hex(),
		TxHash:   ev.TxHash.Hex(),
		LogIndex: ev.LogIndex,
	}
	if ev.Kind == config.SignalMint {
		p.TokenID = toString(ev.TokenID)
		p.To = ev.To.Hex()
	}
	return p
}
