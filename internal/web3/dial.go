package web3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to reach an EVM compatible node.
type Config struct {
	RPCURL string
	ClockOptions
}

// Client owns the RPC connection behind a BlockClock.
type Client struct {
	eth *ethclient.Client
	*BlockClock
}

// Dial connects to the configured node and verifies it answers.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	if _, err := eth.ChainID(ctx); err != nil {
		eth.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return &Client{eth: eth, BlockClock: NewBlockClock(eth, cfg.ClockOptions)}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c == nil || c.eth == nil {
		return
	}
	c.eth.Close()
	c.eth = nil
}
