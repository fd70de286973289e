// Package web3 connects the escrow service to an EVM chain. Its BlockClock
// reports the latest block timestamp so that deadlines are evaluated against
// chain time rather than the host clock.
package web3
