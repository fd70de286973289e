package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// HeaderReader is the subset of ethclient used by BlockClock.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainIDReader is implemented by clients that can report their chain ID.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// ClockOptions tunes BlockClock behaviour.
type ClockOptions struct {
	// Confirmations makes the clock read the header that many blocks below
	// the head.
	Confirmations uint64
	// CacheTTL reuses the last header for this long to avoid one RPC round
	// trip per request.
	CacheTTL time.Duration
}

// BlockClock implements escrow.Clock using block timestamps. The reported
// time never moves backwards, even if the node serves an older head.
type BlockClock struct {
	reader HeaderReader
	opts   ClockOptions
	now    func() time.Time

	mu       sync.Mutex
	last     time.Time
	number   uint64
	cachedAt time.Time
}

// NewBlockClock wraps a header reader.
func NewBlockClock(reader HeaderReader, opts ClockOptions) *BlockClock {
	return &BlockClock{reader: reader, opts: opts, now: time.Now}
}

// Now returns the timestamp of the latest (confirmed) block.
func (c *BlockClock) Now(ctx context.Context) (time.Time, error) {
	if c == nil || c.reader == nil {
		return time.Time{}, errors.New("未配置区块时钟")
	}
	c.mu.Lock()
	if c.opts.CacheTTL > 0 && !c.last.IsZero() && c.now().Sub(c.cachedAt) < c.opts.CacheTTL {
		last := c.last
		c.mu.Unlock()
		return last, nil
	}
	c.mu.Unlock()

	header, err := c.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	if c.opts.Confirmations > 0 {
		head := header.Number.Uint64()
		target := uint64(0)
		if head > c.opts.Confirmations {
			target = head - c.opts.Confirmations
		}
		header, err = c.reader.HeaderByNumber(ctx, new(big.Int).SetUint64(target))
		if err != nil {
			return time.Time{}, fmt.Errorf("获取区块 %d 失败: %w", target, err)
		}
	}

	ts := time.Unix(int64(header.Time), 0).UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.After(c.last) {
		c.last = ts
		c.number = header.Number.Uint64()
	}
	c.cachedAt = c.now()
	return c.last, nil
}

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id,omitempty"`
	BlockNumber uint64 `json:"block_number"`
	BlockTime   int64  `json:"block_time"`
}

// Snapshot reports the last block observed by the clock, refreshing it first.
func (c *BlockClock) Snapshot(ctx context.Context) (ChainSnapshot, error) {
	ts, err := c.Now(ctx)
	if err != nil {
		return ChainSnapshot{}, err
	}
	c.mu.Lock()
	snap := ChainSnapshot{BlockNumber: c.number, BlockTime: ts.Unix()}
	c.mu.Unlock()
	if reader, ok := c.reader.(ChainIDReader); ok {
		id, err := reader.ChainID(ctx)
		if err != nil {
			return ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		snap.ChainID = "0x" + id.Text(16)
	}
	return snap, nil
}
