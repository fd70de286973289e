// Package escrow implements the job escrow lifecycle: a requester locks funds,
// an agent performs the work, and the funds are released on approval or split
// by the arbitrator after a dispute. All mutations run inside a Backend
// transaction so state changes and fund movements commit together.
package escrow
