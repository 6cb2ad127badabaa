package chain

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validMapping = `
attestation_registry: "0x4200000000000000000000000000000000000021"
payment_obligation: "0x1000000000000000000000000000000000000001"
agent_registry: "0x1000000000000000000000000000000000000002"
validation_arbiter: "0x1000000000000000000000000000000000000003"
aggregator: "0x1000000000000000000000000000000000000004"
payment_token: "0x1000000000000000000000000000000000000005"
schemas:
  payment: "0x1111111111111111111111111111111111111111111111111111111111111111"
  validation: "0x2222222222222222222222222222222222222222222222222222222222222222"
`

func writeMapping(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadContracts(t *testing.T) {
	c, err := LoadContracts(writeMapping(t, validMapping))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0x4200000000000000000000000000000000000021"), c.AttestationRegistry)
	assert.Equal(t, common.HexToAddress("0x1000000000000000000000000000000000000004"), c.Aggregator)
	assert.Equal(t, common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"), c.PaymentSchema)
	assert.Equal(t, common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222"), c.ValidationSchema)
}

func TestLoadContracts_MissingFile(t *testing.T) {
	_, err := LoadContracts(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadContracts_BadAddress(t *testing.T) {
	body := `
attestation_registry: "not-hex"
payment_obligation: "0x1000000000000000000000000000000000000001"
agent_registry: "0x1000000000000000000000000000000000000002"
validation_arbiter: "0x1000000000000000000000000000000000000003"
aggregator: "0x1000000000000000000000000000000000000004"
payment_token: "0x1000000000000000000000000000000000000005"
schemas:
  payment: "0x1111111111111111111111111111111111111111111111111111111111111111"
  validation: "0x2222222222222222222222222222222222222222222222222222222222222222"
`
	_, err := LoadContracts(writeMapping(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attestation_registry")
}

func TestLoadContracts_ShortSchemaUID(t *testing.T) {
	body := strings.Replace(validMapping,
		"0x1111111111111111111111111111111111111111111111111111111111111111", "0xbeef", 1)
	_, err := LoadContracts(writeMapping(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schemas.payment")
}
