package chain

import (
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Contracts holds the deployed contract addresses and attestation schema
// UIDs for one settlement chain. Loaded from a YAML mapping file so a
// deployment to a new chain is a config change, not a rebuild.
type Contracts struct {
	AttestationRegistry common.Address
	PaymentObligation   common.Address
	AgentRegistry       common.Address
	ValidationArbiter   common.Address
	Aggregator          common.Address
	PaymentToken        common.Address

	PaymentSchema    common.Hash
	ValidationSchema common.Hash
}

type contractsFile struct {
	AttestationRegistry string `yaml:"attestation_registry"`
	PaymentObligation   string `yaml:"payment_obligation"`
	AgentRegistry       string `yaml:"agent_registry"`
	ValidationArbiter   string `yaml:"validation_arbiter"`
	Aggregator          string `yaml:"aggregator"`
	PaymentToken        string `yaml:"payment_token"`
	Schemas             struct {
		Payment    string `yaml:"payment"`
		Validation string `yaml:"validation"`
	} `yaml:"schemas"`
}

// LoadContracts reads and validates the contract mapping at path.
func LoadContracts(path string) (*Contracts, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "chain: read contract mapping %s", path)
	}
	var f contractsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "chain: parse contract mapping %s", path)
	}
	return parseContracts(&f)
}

func parseContracts(f *contractsFile) (*Contracts, error) {
	c := &Contracts{}
	for _, field := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"attestation_registry", f.AttestationRegistry, &c.AttestationRegistry},
		{"payment_obligation", f.PaymentObligation, &c.PaymentObligation},
		{"agent_registry", f.AgentRegistry, &c.AgentRegistry},
		{"validation_arbiter", f.ValidationArbiter, &c.ValidationArbiter},
		{"aggregator", f.Aggregator, &c.Aggregator},
		{"payment_token", f.PaymentToken, &c.PaymentToken},
	} {
		if !common.IsHexAddress(field.raw) {
			return nil, eris.Errorf("chain: contract mapping: %s is not a valid address: %q", field.name, field.raw)
		}
		*field.dst = common.HexToAddress(field.raw)
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  *common.Hash
	}{
		{"schemas.payment", f.Schemas.Payment, &c.PaymentSchema},
		{"schemas.validation", f.Schemas.Validation, &c.ValidationSchema},
	} {
		h, err := parseHash(field.raw)
		if err != nil {
			return nil, eris.Wrapf(err, "chain: contract mapping: %s", field.name)
		}
		*field.dst = h
	}
	return c, nil
}

func parseHash(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, eris.Errorf("not a 32-byte hex value: %q", s)
	}
	return common.BytesToHash(b), nil
}
