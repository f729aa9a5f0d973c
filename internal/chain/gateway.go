package chain

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Submission and receipt errors. The coordinator matches on these to choose
// state transitions, so every failure leaving this package is classified.
var (
	// ErrWalletUnavailable indicates no signer or wallet connection exists.
	ErrWalletUnavailable = errors.New("wallet unavailable")

	// ErrUserRejected indicates the signer explicitly declined the
	// transaction.
	ErrUserRejected = errors.New("transaction rejected by signer")

	// ErrReverted indicates the transaction executed and the contract
	// rejected it. This is a definite chain-side failure.
	ErrReverted = errors.New("transaction reverted")

	// ErrReceiptTimeout indicates no receipt arrived within the bound. The
	// transaction may still confirm later; callers must treat this as
	// indeterminate, not failed.
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
)

// ContractCall describes a settlement method invocation on the insurance
// contract.
type ContractCall struct {
	Contract string
	Method   string
	Params   []ContractParam
}

// Receipt is the confirmed execution result of a submitted transaction.
type Receipt struct {
	TxHash        string
	VMState       string
	GasConsumed   string
	Confirmations int
}

// Gateway submits settlement transactions and awaits their receipts. It is
// the sole point of contact with the chain and mutates no local state.
type Gateway interface {
	Submit(ctx context.Context, call ContractCall) (string, error)
	AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error)
}

// DefaultReceiptTimeout bounds how long AwaitReceipt waits when the caller
// passes no timeout.
const DefaultReceiptTimeout = 2 * time.Minute

// DefaultPollInterval is the receipt polling cadence.
const DefaultPollInterval = 2 * time.Second

// NodeGateway implements Gateway against a wallet-enabled node.
type NodeGateway struct {
	client       *Client
	signer       *Signer
	pollInterval time.Duration
}

var _ Gateway = (*NodeGateway)(nil)

// NewNodeGateway creates a gateway using the given client and signer. A nil
// signer is allowed; submissions then fail with ErrWalletUnavailable, which
// the coordinator's degraded-mode policy handles.
func NewNodeGateway(client *Client, signer *Signer, pollInterval time.Duration) *NodeGateway {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &NodeGateway{
		client:       client,
		signer:       signer,
		pollInterval: pollInterval,
	}
}

// Submit invokes the contract method and returns the relayed transaction
// hash. Failures are classified into the package error taxonomy.
func (g *NodeGateway) Submit(ctx context.Context, call ContractCall) (string, error) {
	if g.signer == nil {
		return "", ErrWalletUnavailable
	}

	signers := []RPCSigner{{Account: g.signer.Address(), Scopes: "CalledByEntry"}}

	// The contract verifies the settlement-authority signature over the call
	// digest in addition to the transaction witness.
	params := append(append([]ContractParam{}, call.Params...),
		NewByteArrayParam(g.signer.Sign(callDigest(call))))

	result, err := g.client.InvokeFunction(ctx, call.Contract, call.Method, params, signers)
	if err != nil {
		return "", classifySubmitError(err)
	}

	if result.State != "HALT" {
		// The simulation faulted before relay; the contract refused the call.
		return "", fmt.Errorf("%s: %s: %w", call.Method, result.Exception, ErrReverted)
	}
	if result.Tx == "" {
		return "", fmt.Errorf("%s: node returned no transaction hash", call.Method)
	}
	return result.Tx, nil
}

// AwaitReceipt polls for the transaction's application log until it appears
// or the timeout expires. A missing transaction is transient; a FAULT VM
// state is a definite revert.
func (g *NodeGateway) AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return Receipt{}, ctx.Err()
			}
			return Receipt{}, fmt.Errorf("tx %s: %w", txHash, ErrReceiptTimeout)
		case <-ticker.C:
			log, err := g.client.GetApplicationLog(wctx, txHash)
			if err != nil {
				if isNotFoundError(err) {
					continue
				}
				// Transient node trouble; keep polling until the deadline.
				continue
			}
			return receiptFromLog(txHash, log)
		}
	}
}

func receiptFromLog(txHash string, log *ApplicationLog) (Receipt, error) {
	receipt := Receipt{TxHash: txHash, Confirmations: 1}
	if len(log.Executions) == 0 {
		return receipt, fmt.Errorf("tx %s: empty application log", txHash)
	}

	exec := log.Executions[0]
	receipt.VMState = exec.VMState
	receipt.GasConsumed = exec.GasConsumed

	if exec.VMState != "HALT" {
		return receipt, fmt.Errorf("tx %s: %s: %w", txHash, exec.Exception, ErrReverted)
	}
	return receipt, nil
}

// callDigest is the message the settlement authority signs; the contract
// recomputes it from the call arguments.
func callDigest(call ContractCall) []byte {
	h := sha256.New()
	h.Write([]byte(call.Contract))
	h.Write([]byte(call.Method))
	for _, p := range call.Params {
		if b, err := json.Marshal(p); err == nil {
			h.Write(b)
		}
	}
	return h.Sum(nil)
}

func classifySubmitError(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		switch {
		case strings.Contains(msg, "denied by user"), strings.Contains(msg, "rejected by user"):
			return fmt.Errorf("%s: %w", rpcErr.Message, ErrUserRejected)
		case strings.Contains(msg, "wallet is locked"), strings.Contains(msg, "no wallet"), strings.Contains(msg, "wallet not open"):
			return fmt.Errorf("%s: %w", rpcErr.Message, ErrWalletUnavailable)
		}
		return err
	}
	// Transport-level failure reaching the node.
	return fmt.Errorf("chain rpc: %w", err)
}
