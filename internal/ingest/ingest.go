// Package ingest feeds the stores from a live CometBFT node. It subscribes
// to NewBlock and NewRound events over websocket and maps them onto the
// block store, validator registry, and round tracker. The feed is
// redelivery-safe: events the stores reject are logged and dropped, never
// retried here.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chain-ledger/internal/config"
	"chain-ledger/internal/consensus"
	"chain-ledger/internal/ledger"
	"chain-ledger/internal/models"
	"chain-ledger/internal/validators"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	rpccoretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ingest")

var (
	blocksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_blocks_total",
		Help: "Number of blocks ingested from the node feed",
	})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_events_dropped_total",
		Help: "Number of feed events the stores rejected",
	})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_reconnects_total",
		Help: "Number of websocket reconnects",
	})
)

const (
	subscriberID    = "chainledger"
	reconnectDelay  = 3 * time.Second
	silenceInterval = 30 * time.Second
)

// errReconnect signals a planned reconnect, not a failure.
var errReconnect = errors.New("no blocks over websocket, reconnecting")

// trackedRound is the ingest-side handle on the currently open round.
type trackedRound struct {
	number uint64
	height int64
}

// Ingester drives one node subscription and the reconnect watchdog.
type Ingester struct {
	cfg      config.Config
	ledger   *ledger.Store
	registry *validators.Registry
	tracker  *consensus.Tracker
	client   *rpchttp.HTTP

	lastBlockTime   time.Time
	lastBlockTimeMu sync.RWMutex

	mu        sync.Mutex
	open      *trackedRound
	nextRound uint64
}

// NewIngester wires an ingester to the stores it feeds.
func NewIngester(cfg config.Config, ledgerStore *ledger.Store, registry *validators.Registry, tracker *consensus.Tracker) *Ingester {
	return &Ingester{
		cfg:      cfg,
		ledger:   ledgerStore,
		registry: registry,
		tracker:  tracker,
	}
}

// Run connects, ingests until the context is cancelled, and reconnects on
// any failure or feed silence. It returns only on cancellation or when the
// startup recovery cannot reach the database.
func (in *Ingester) Run(ctx context.Context) error {
	if in.cfg.RPCURL == "" {
		return errors.New("ingest requires a node RPC URL")
	}

	// Rounds a previous process left open would wedge the sequential open
	// policy; clear them and resume numbering after the highest round.
	if _, err := in.tracker.AbortOpen(ctx); err != nil {
		return err
	}
	next, err := in.tracker.NextRoundNumber(ctx)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.nextRound = next
	in.open = nil
	in.mu.Unlock()

	for ctx.Err() == nil {
		if err := in.runLoop(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, errReconnect) {
				reconnects.Inc()
			} else {
				log.WithError(err).Error("Ingest loop failed, reconnecting")
			}
			time.Sleep(reconnectDelay)
		}
	}
	return nil
}

func (in *Ingester) runLoop(ctx context.Context) error {
	// A per-connection context stops all handler goroutines on reconnect.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	in.cleanupClient(loopCtx)
	if err := in.initClient(); err != nil {
		return err
	}

	blockCh, roundCh, err := in.subscribe(loopCtx)
	if err != nil {
		return err
	}

	in.touchLastBlockTime()
	in.startHandler(loopCtx, "NewBlock", blockCh, func(ev rpccoretypes.ResultEvent) {
		if ev.Data == nil {
			return
		}
		in.touchLastBlockTime()
		in.handleNewBlock(loopCtx, ev)
	})
	in.startHandler(loopCtx, "NewRound", roundCh, func(ev rpccoretypes.ResultEvent) {
		if ev.Data != nil {
			in.handleNewRound(loopCtx, ev)
		}
	})

	return in.watchdogLoop(loopCtx)
}

func (in *Ingester) cleanupClient(ctx context.Context) {
	if in.client == nil {
		return
	}
	unsubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_ = in.client.UnsubscribeAll(unsubCtx, subscriberID)
	_ = in.client.Stop()
	in.client = nil
}

func (in *Ingester) initClient() error {
	client, err := rpchttp.New(in.cfg.RPCURL, in.cfg.WSURL())
	if err != nil {
		return errors.Wrap(err, "create rpc client")
	}
	if err := client.Start(); err != nil {
		return errors.Wrap(err, "start rpc client")
	}
	in.client = client
	return nil
}

func (in *Ingester) subscribe(ctx context.Context) (<-chan rpccoretypes.ResultEvent, <-chan rpccoretypes.ResultEvent, error) {
	blockCh, err := in.client.Subscribe(ctx, subscriberID, "tm.event = 'NewBlock'")
	if err != nil {
		return nil, nil, errors.Wrap(err, "subscribe NewBlock")
	}
	roundCh, err := in.client.Subscribe(ctx, subscriberID, "tm.event = 'NewRound'")
	if err != nil {
		return nil, nil, errors.Wrap(err, "subscribe NewRound")
	}
	log.WithField("rpc", in.cfg.RPCURL).Info("Subscribed to NewBlock and NewRound events")
	return blockCh, roundCh, nil
}

func (in *Ingester) startHandler(ctx context.Context, name string, ch <-chan rpccoretypes.ResultEvent, handler func(rpccoretypes.ResultEvent)) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					log.WithField("event", name).Debug("Event channel closed")
					return
				}
				handler(ev)
			}
		}
	}()
}

func (in *Ingester) touchLastBlockTime() {
	in.lastBlockTimeMu.Lock()
	in.lastBlockTime = time.Now()
	in.lastBlockTimeMu.Unlock()
}

func (in *Ingester) feedSilent() bool {
	in.lastBlockTimeMu.RLock()
	defer in.lastBlockTimeMu.RUnlock()
	return time.Since(in.lastBlockTime) > silenceInterval
}

// watchdogLoop forces a reconnect when the feed goes silent for longer
// than the silence interval.
func (in *Ingester) watchdogLoop(ctx context.Context) error {
	watchdog := time.NewTicker(silenceInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watchdog.C:
			if in.feedSilent() {
				log.Warn("No blocks received, reconnecting websocket")
				in.touchLastBlockTime()
				return errReconnect
			}
		}
	}
}

// Close tears down the websocket client.
func (in *Ingester) Close() error {
	if in.client != nil {
		return in.client.Stop()
	}
	return nil
}

func (in *Ingester) handleNewRound(ctx context.Context, ev rpccoretypes.ResultEvent) {
	data, ok := ev.Data.(cmttypes.EventDataNewRound)
	if !ok {
		if ptr, ok2 := ev.Data.(*cmttypes.EventDataNewRound); ok2 && ptr != nil {
			data = *ptr
			ok = true
		}
	}
	if !ok {
		log.WithField("type", fmt.Sprintf("%T", ev.Data)).Debug("Unknown NewRound event payload")
		return
	}

	proposer := addressHex(data.Proposer.Address)
	if proposer != "" {
		if err := in.ensureValidator(ctx, proposer); err != nil {
			log.WithError(err).WithField("proposer", proposer).Warn("Could not register proposer")
			return
		}
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	// A new round starting before the tracked one committed means that
	// round went nowhere.
	if in.open != nil {
		if err := in.tracker.CloseRound(ctx, in.open.number, models.RoundAborted); err != nil {
			log.WithError(err).WithField("round", in.open.number).Debug("Could not abort stale round")
		}
		in.open = nil
	}

	var participants []string
	if proposer != "" {
		participants = []string{proposer}
	}
	if err := in.tracker.OpenRound(ctx, in.nextRound, participants); err != nil {
		eventsDropped.Inc()
		log.WithError(err).WithField("round", in.nextRound).Warn("Round rejected")
		return
	}
	in.open = &trackedRound{number: in.nextRound, height: data.Height}
	in.nextRound++

	log.WithFields(logrus.Fields{
		"round":  in.open.number,
		"height": data.Height,
	}).Debug("Round opened")
}

func (in *Ingester) handleNewBlock(ctx context.Context, ev rpccoretypes.ResultEvent) {
	data, ok := ev.Data.(cmttypes.EventDataNewBlock)
	if !ok {
		if ptr, ok2 := ev.Data.(*cmttypes.EventDataNewBlock); ok2 && ptr != nil {
			data = *ptr
			ok = true
		}
	}
	if !ok {
		log.WithField("type", fmt.Sprintf("%T", ev.Data)).Debug("Unknown NewBlock event payload")
		return
	}

	blk := data.Block
	if blk == nil || blk.Header.Height == 0 {
		return
	}

	proposer := addressHex(blk.ProposerAddress)
	if err := in.ensureValidator(ctx, proposer); err != nil {
		log.WithError(err).WithField("proposer", proposer).Warn("Could not register proposer")
		return
	}

	rec := &models.Block{
		Sequence:    uint64(blk.Header.Height),
		Hash:        fmt.Sprintf("%X", blk.Hash()),
		ProposerRef: proposer,
		Timestamp:   blk.Header.Time,
		TxCount:     len(blk.Data.Txs),
	}
	if err := in.ledger.AppendBlock(ctx, rec, nil); err != nil {
		eventsDropped.Inc()
		if errors.Is(err, ledger.ErrSequenceGap) || errors.Is(err, ledger.ErrDuplicateHash) {
			log.WithError(err).WithField("height", blk.Header.Height).Debug("Block outside append window, dropped")
		} else {
			log.WithError(err).WithField("height", blk.Header.Height).Warn("Block rejected")
		}
		return
	}
	blocksIngested.Inc()

	in.closeRoundFor(ctx, blk.Header.Height, proposer)

	if err := in.registry.RecordBlockProduced(ctx, proposer); err != nil {
		log.WithError(err).WithField("proposer", proposer).Warn("Could not credit block production")
	}

	log.WithFields(logrus.Fields{
		"height":   blk.Header.Height,
		"hash":     shortHash(rec.Hash),
		"proposer": proposer,
		"txs":      rec.TxCount,
	}).Info("Block ingested")
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// closeRoundFor commits the round tracked for the given height. A block
// with no observed round gets a synthetic one, opened and committed in
// place, so every block has a round on record.
func (in *Ingester) closeRoundFor(ctx context.Context, height int64, proposer string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.open != nil {
		tracked := in.open
		in.open = nil
		result := models.RoundCommitted
		if tracked.height != height {
			result = models.RoundAborted
		}
		if err := in.tracker.CloseRound(ctx, tracked.number, result); err != nil {
			log.WithError(err).WithField("round", tracked.number).Debug("Could not close round")
		}
		if tracked.height == height {
			return
		}
	}

	number := in.nextRound
	if err := in.tracker.OpenRound(ctx, number, []string{proposer}); err != nil {
		log.WithError(err).WithField("round", number).Debug("Could not open synthetic round")
		return
	}
	in.nextRound++
	if err := in.tracker.CloseRound(ctx, number, models.RoundCommitted); err != nil {
		log.WithError(err).WithField("round", number).Debug("Could not close synthetic round")
	}
}

// ensureValidator registers an address on first sight. Feed-registered
// validators start active with zero stake; stake comes from membership
// updates, not from ingest.
func (in *Ingester) ensureValidator(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("empty proposer address")
	}
	_, err := in.registry.Get(ctx, addr)
	if err == nil {
		return nil
	}
	if !errors.Is(err, validators.ErrUnknownValidator) {
		return err
	}

	err = in.registry.Register(ctx, &models.Validator{
		Address: addr,
		Stake:   decimal.Zero,
		Status:  models.ValidatorActive,
	})
	if errors.Is(err, validators.ErrValidatorExists) {
		return nil
	}
	return err
}

func addressHex(addr cmttypes.Address) string {
	if len(addr) == 0 {
		return ""
	}
	return fmt.Sprintf("%X", addr)
}
