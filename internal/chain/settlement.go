// Package chain wraps settlement-chain contract calls and recovers
// attestation UIDs from transaction receipts.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
)

// Settlement is the on-chain operation surface consumed by the pipelines.
// Every method submits one transaction, waits for its receipt, and returns
// the transaction hash (or, for CreatePaymentStatement, the attestation UID
// recovered from the receipt). The caller decides when to call and what to
// do with the identifiers; key handling, nonce ordering and RPC fail-over
// stay inside the implementation.
type Settlement interface {
	// CreatePaymentStatement escrows a bounty and returns the payment
	// attestation UID minted by the registry.
	CreatePaymentStatement(ctx context.Context, token string, amount *big.Int, arbiter string, demand []byte) (string, error)

	// RegisterAgent records an agent's payout address. Idempotent on the
	// contract side; re-registration is a cheap no-op transaction.
	RegisterAgent(ctx context.Context, agentID, payoutAddress string) (string, error)

	// SubmitValidation releases the payment bound to paymentUID against the
	// agent's validation attestation.
	SubmitValidation(ctx context.Context, paymentUID, validationUID string) (string, error)

	// TriggerAggregation finalizes a request's settlements on-chain.
	TriggerAggregation(ctx context.Context, requestCtx string) (string, error)
}

// ErrAttestationNotFound is returned when a receipt carries no Attested log
// matching the expected registry and schema. Callers must treat this as a
// hard failure: proceeding without a UID would corrupt the settlement chain
// of custody.
var ErrAttestationNotFound = eris.New("chain: attestation UID not found in receipt")

// ValidAddress reports whether s is a well-formed hex chain address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// ShortAgentTag returns the abbreviated agent key used for the per-agent
// transaction-hash map on payout records.
func ShortAgentTag(agentAddr string) string {
	if len(agentAddr) <= 10 {
		return agentAddr
	}
	return agentAddr[:10]
}
