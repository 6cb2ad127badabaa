package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Attested(address indexed recipient, address indexed attester,
// bytes32 uid, bytes32 indexed schemaUID) as emitted by the attestation
// registry. The UID is the only non-indexed field, so it lives in the
// log data; the schema UID sits at topic position 3.
const attestedEventABI = `[{"type":"event","name":"Attested","inputs":[
	{"name":"recipient","type":"address","indexed":true},
	{"name":"attester","type":"address","indexed":true},
	{"name":"uid","type":"bytes32","indexed":false},
	{"name":"schemaUID","type":"bytes32","indexed":true}]}]`

var (
	attestedABI = mustABI(attestedEventABI)
	attestedSig = crypto.Keccak256Hash([]byte("Attested(address,address,bytes32,bytes32)"))
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ExtractAttestationUID scans a mined receipt for the Attested event emitted
// by registry under the given schema and returns the minted attestation UID.
//
// Logs from other contracts and other schemas are skipped, not errors: a
// settlement transaction routinely emits transfer and bookkeeping events
// alongside the attestation. A matching event carrying the zero UID is
// likewise skipped. If no log yields a UID the receipt did not mint an
// attestation and ErrAttestationNotFound is returned; callers must not
// settle against a guessed UID.
func ExtractAttestationUID(receipt *types.Receipt, registry common.Address, schema common.Hash) (common.Hash, error) {
	if receipt == nil {
		return common.Hash{}, eris.New("chain: nil receipt")
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Removed {
			continue
		}
		if lg.Address != registry {
			continue
		}
		if len(lg.Topics) != 4 || lg.Topics[0] != attestedSig {
			continue
		}
		if lg.Topics[3] != schema {
			continue
		}
		uid := decodeAttestedUID(lg)
		if uid == (common.Hash{}) {
			zap.L().Warn("chain: attested log carried zero UID, skipping",
				zap.String("tx", receipt.TxHash.Hex()),
				zap.Uint("logIndex", lg.Index))
			continue
		}
		return uid, nil
	}
	return common.Hash{}, eris.Wrapf(ErrAttestationNotFound, "tx %s schema %s", receipt.TxHash.Hex(), schema.Hex())
}

// decodeAttestedUID reads the UID from the log data, preferring the ABI
// decoder and falling back to the raw first word when the data layout is
// degenerate but still word-aligned.
func decodeAttestedUID(lg *types.Log) common.Hash {
	vals, err := attestedABI.Events["Attested"].Inputs.NonIndexed().Unpack(lg.Data)
	if err == nil && len(vals) == 1 {
		if uid, ok := vals[0].([32]byte); ok {
			return common.Hash(uid)
		}
	}
	if len(lg.Data) >= common.HashLength {
		return common.BytesToHash(lg.Data[:common.HashLength])
	}
	return common.Hash{}
}
