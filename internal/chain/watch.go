package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// WatchOptions configures a polling log subscription.
type WatchOptions struct {
	// Buffer is the capacity of the delivery channel. A slow consumer blocks the poller.
	Buffer       int
	PollInterval time.Duration
	// Window caps the block span of one eth_getLogs request.
	Window uint64
	// FromBlock is the first block to scan when HasFrom is set. Otherwise the
	// scan starts Window blocks below the head.
	FromBlock uint64
	HasFrom   bool
	Logger    *zap.Logger
}

// Subscription delivers matching logs on a bounded channel until Unsubscribe.
type Subscription struct {
	logs chan types.Log
	errs chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	lastBlock atomic.Uint64
	delivered atomic.Bool
}

// Logs returns the delivery channel. It is closed after Unsubscribe.
func (s *Subscription) Logs() <-chan types.Log { return s.logs }

// Err carries the most recent poll failure. Failures do not end the subscription.
func (s *Subscription) Err() <-chan error { return s.errs }

// LastBlock returns the last block whose logs were fully delivered.
func (s *Subscription) LastBlock() (uint64, bool) {
	return s.lastBlock.Load(), s.delivered.Load()
}

// Unsubscribe stops polling and waits for the poller to exit.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Watch polls r for logs matching query and delivers them in block order.
func Watch(ctx context.Context, r Reader, query ethereum.FilterQuery, opts WatchOptions) (*Subscription, error) {
	if r == nil {
		return nil, fmt.Errorf("chain reader is nil")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Window == 0 {
		opts.Window = DefaultScanWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	latest, err := r.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	next := ScanStart(latest, 0, false, opts.Window)
	if opts.HasFrom {
		next = opts.FromBlock
	}

	wctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		logs:   make(chan types.Log, opts.Buffer),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(wctx, r, query, next, opts)
	return sub, nil
}

func (s *Subscription) run(ctx context.Context, r Reader, query ethereum.FilterQuery, next uint64, opts WatchOptions) {
	defer close(s.done)
	defer close(s.logs)

	for {
		latest, err := r.BlockNumber(ctx)
		if err != nil {
			s.report(ctx, fmt.Errorf("latest block: %w", err), opts.Logger)
		} else if latest >= next {
			next, err = s.scan(ctx, r, query, next, latest, opts.Window)
			if err != nil {
				s.report(ctx, err, opts.Logger)
			}
		}

		if err := SleepCtx(ctx, opts.PollInterval); err != nil {
			return
		}
	}
}

func (s *Subscription) scan(ctx context.Context, r Reader, query ethereum.FilterQuery, from, to, window uint64) (uint64, error) {
	ranges, err := SplitRange(from, to, window)
	if err != nil {
		return from, err
	}
	for _, br := range ranges {
		q := query
		q.FromBlock = new(big.Int).SetUint64(br.From)
		q.ToBlock = new(big.Int).SetUint64(br.To)
		logs, err := r.FilterLogs(ctx, q)
		if err != nil {
			return br.From, fmt.Errorf("filter logs %d-%d: %w", br.From, br.To, err)
		}
		for _, lg := range logs {
			select {
			case s.logs <- lg:
			case <-ctx.Done():
				return br.From, ctx.Err()
			}
		}
		s.lastBlock.Store(br.To)
		s.delivered.Store(true)
	}
	return to + 1, nil
}

func (s *Subscription) report(ctx context.Context, err error, logger *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	logger.Warn("watch poll failed", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}
