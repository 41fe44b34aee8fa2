package domain

import (
	"context"
	"time"
)

// Anchor is the recency token a transaction is built against. The network
// rejects the transaction once its block height passes LastValidHeight.
type Anchor struct {
	Blockhash       string
	LastValidHeight uint64
	// ExpiresAt is a local wall-clock bound applied in addition to the
	// height check. Zero disables it.
	ExpiresAt time.Time
}

// TxState is the network's view of a submitted transaction.
type TxState string

const (
	TxNotFound  TxState = "not_found"
	TxIncluded  TxState = "included"
	TxFinalized TxState = "finalized"
	TxFailed    TxState = "failed"
)

// TransactionStatus is returned by status polling. Err is the program error
// when State is TxFailed.
type TransactionStatus struct {
	State TxState
	Slot  uint64
	Err   string
}

// SimulationResult is returned by transaction simulation. A non-empty Err is
// a program error.
type SimulationResult struct {
	Err  string
	Logs []string
}

// AccountFetcher fetches current account state.
type AccountFetcher interface {
	GetAccountInfo(ctx context.Context, account AccountID) (AccountInfo, error)
	GetMultipleAccounts(ctx context.Context, accounts []AccountID) ([]AccountInfo, error)
}

// Ledger is the boundary to the remote ledger node.
type Ledger interface {
	AccountFetcher
	GetValidityAnchor(ctx context.Context) (Anchor, error)
	BlockHeight(ctx context.Context) (uint64, error)
	SimulateTransaction(ctx context.Context, tx []byte) (SimulationResult, error)
	SubmitTransaction(ctx context.Context, tx []byte) (string, error)
	GetTransactionStatus(ctx context.Context, handle string) (TransactionStatus, error)
}

// AccountStreamer subscribes to account change notifications. Stream blocks
// until ctx is done or the connection drops; a drop returns an error
// wrapping ErrStreamDisconnect.
type AccountStreamer interface {
	Stream(ctx context.Context, accounts []AccountID, onUpdate func(AccountUpdate)) error
}
