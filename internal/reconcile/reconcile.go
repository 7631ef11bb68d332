// Package reconcile compares backend publish bookkeeping against counters
// read from the chain itself. It is diagnostic: it never mutates action
// state, only the telemetry snapshot the monitor serves.
package reconcile

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anchorline/internal/chain"
	"anchorline/internal/config"
	"anchorline/internal/domain"
	"anchorline/internal/engine"
	"anchorline/internal/events"
)

// Counters is one on-chain read of the registry contract.
type Counters struct {
	PublisherPublished int64
	TotalPublished     int64
	LastPublishedAt    *string
}

// CounterReader reads the registry counters for one chain.
type CounterReader interface {
	ReadCounters(ctx context.Context, ch config.ChainConfig) (Counters, error)
}

// RPCReader reads counters with eth_call against the configured selectors.
type RPCReader struct {
	Client *chain.RPCClient
}

func (r *RPCReader) ReadCounters(ctx context.Context, ch config.ChainConfig) (Counters, error) {
	pubData := chain.AddressCallData(ch.PublisherCountSelector, ch.PublisherAddress)
	published, err := r.Client.CallUint(ctx, ch.RPCURL, ch.ContractAddress, pubData)
	if err != nil {
		return Counters{}, err
	}
	total, err := r.Client.CallUint(ctx, ch.RPCURL, ch.ContractAddress, ch.TotalCountSelector)
	if err != nil {
		return Counters{}, err
	}
	return Counters{PublisherPublished: published, TotalPublished: total}, nil
}

// Reconciler runs sweeps and keeps the latest telemetry snapshot in memory.
type Reconciler struct {
	Engine engine.Engine
	Reader CounterReader
	Log    zerolog.Logger

	mu       sync.Mutex
	snapshot map[string]domain.ContractTelemetry
}

func New(e engine.Engine, reader CounterReader, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		Engine:   e,
		Reader:   reader,
		Log:      log,
		snapshot: map[string]domain.ContractTelemetry{},
	}
}

// ReconcileContract produces the telemetry for one (chain, contract) pair.
// A failed on-chain read yields consistency "unknown" with the counters left
// nil; zero published and unreadable are different facts.
func (r *Reconciler) ReconcileContract(ctx context.Context, ch config.ChainConfig) domain.ContractTelemetry {
	now := r.Engine.Now().UTC().Format(time.RFC3339)
	tel := domain.ContractTelemetry{
		ChainID:          ch.ChainID,
		ContractAddress:  ch.ContractAddress,
		PublisherAddress: ch.PublisherAddress,
		CheckedAt:        now,
	}

	stats, err := r.Engine.Repo.GetContractStats(ctx, ch.ChainID, ch.ContractAddress)
	if err != nil {
		msg := err.Error()
		tel.LastError = &msg
		tel.Consistency = domain.ConsistencyUnknown
		return tel
	}
	tel.PublishAttempts = stats.PublishAttempts
	tel.PublishSuccesses = stats.PublishSuccesses
	tel.PublishFailures = stats.PublishFailures
	tel.LastPublishSuccessAt = stats.LastPublishSuccessAt
	tel.LastError = stats.LastError

	counters, err := r.Reader.ReadCounters(ctx, ch)
	if err != nil {
		msg := err.Error()
		tel.LastOnchainReadError = &msg
		tel.RPCConnected = false
		tel.IsReady = false
		tel.Consistency = domain.ConsistencyUnknown
		r.Log.Warn().Int64("chain_id", ch.ChainID).Str("contract", ch.ContractAddress).Err(err).Msg("onchain counter read failed")
		return tel
	}
	tel.RPCConnected = true
	tel.IsReady = true
	tel.OnchainPublisherPublished = &counters.PublisherPublished
	tel.OnchainTotalPublished = &counters.TotalPublished
	tel.OnchainLastPublishedAt = counters.LastPublishedAt

	switch {
	case counters.PublisherPublished == stats.PublishSuccesses:
		tel.Consistency = domain.ConsistencyAligned
	case stats.PublishSuccesses > counters.PublisherPublished:
		tel.Consistency = domain.ConsistencyBackendAhead
		tel.Delta = stats.PublishSuccesses - counters.PublisherPublished
	default:
		tel.Consistency = domain.ConsistencyOnchainAhead
		tel.Delta = counters.PublisherPublished - stats.PublishSuccesses
	}
	return tel
}

// Sweep reconciles every configured contract. A read failure on one contract
// never blocks the rest.
func (r *Reconciler) Sweep(ctx context.Context) []domain.ContractTelemetry {
	var out []domain.ContractTelemetry
	for _, ch := range r.Engine.Config.Chains {
		tel := r.ReconcileContract(ctx, ch)
		out = append(out, tel)
		r.store(tel)
		if tel.Consistency == domain.ConsistencyBackendAhead || tel.Consistency == domain.ConsistencyOnchainAhead {
			r.Log.Warn().
				Int64("chain_id", tel.ChainID).
				Str("contract", tel.ContractAddress).
				Str("consistency", tel.Consistency).
				Int64("delta", tel.Delta).
				Msg("counter drift detected")
			r.appendDriftEvent(ctx, tel)
		}
	}
	return out
}

func (r *Reconciler) appendDriftEvent(ctx context.Context, tel domain.ContractTelemetry) {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		r.Log.Error().Err(err).Msg("drift event begin tx")
		return
	}
	defer tx.Rollback()
	err = r.Engine.Events.Append(ctx, tx, events.ReconcileDrift, "contract", tel.ContractAddress, "reconciler", events.EventPayload{
		"chain_id":    tel.ChainID,
		"consistency": tel.Consistency,
		"delta":       tel.Delta,
	})
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		r.Log.Error().Err(err).Msg("drift event append")
	}
}

func (r *Reconciler) store(tel domain.ContractTelemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot[key(tel.ChainID, tel.ContractAddress)] = tel
}

// Snapshot returns the latest telemetry per contract, stably ordered.
func (r *Reconciler) Snapshot() []domain.ContractTelemetry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ContractTelemetry, 0, len(r.snapshot))
	for _, tel := range r.snapshot {
		out = append(out, tel)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].ContractAddress < out[j].ContractAddress
	})
	return out
}

func key(chainID int64, contract string) string {
	return contract + "@" + strconv.FormatInt(chainID, 10)
}
