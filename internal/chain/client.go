package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openbounty/arbiter/internal/config"
)

const (
	paymentObligationABI = `[{"type":"function","name":"createStatement","stateMutability":"nonpayable","inputs":[
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"arbiter","type":"address"},
		{"name":"demand","type":"bytes"}],
		"outputs":[{"name":"uid","type":"bytes32"}]}]`

	agentRegistryABI = `[{"type":"function","name":"registerAgent","stateMutability":"nonpayable","inputs":[
		{"name":"agentId","type":"string"},
		{"name":"payoutAddress","type":"address"}],"outputs":[]}]`

	validationArbiterABI = `[{"type":"function","name":"submitValidation","stateMutability":"nonpayable","inputs":[
		{"name":"paymentUID","type":"bytes32"},
		{"name":"validationUID","type":"bytes32"}],"outputs":[]}]`

	aggregatorABI = `[{"type":"function","name":"triggerAggregation","stateMutability":"nonpayable","inputs":[
		{"name":"requestContext","type":"string"}],"outputs":[]}]`
)

var (
	obligationABI = mustABI(paymentObligationABI)
	registryABI   = mustABI(agentRegistryABI)
	validatorABI  = mustABI(validationArbiterABI)
	aggABI        = mustABI(aggregatorABI)
)

// Client is the go-ethereum backed Settlement implementation. All
// transaction submission is serialized through a single mutex so nonces are
// assigned in send order; a second goroutine can never race the first to
// the same nonce.
type Client struct {
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	contracts *Contracts

	gasPayment     uint64
	gasRegister    uint64
	gasSubmit      uint64
	gasAggregation uint64
	receiptTimeout time.Duration

	txMu sync.Mutex
}

// NewClient dials the RPC endpoint, loads the signing key and verifies the
// endpoint serves the configured chain.
func NewClient(ctx context.Context, cfg config.ChainConfig, contracts *Contracts) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, eris.Wrap(err, "chain: dial rpc")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		eth.Close()
		return nil, eris.Wrap(err, "chain: parse private key")
	}

	remoteID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, eris.Wrap(err, "chain: query chain id")
	}
	if remoteID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, eris.Errorf("chain: rpc serves chain %d, configured for %d", remoteID.Int64(), cfg.ChainID)
	}

	timeout := time.Duration(cfg.ReceiptTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	return &Client{
		eth:            eth,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        remoteID,
		contracts:      contracts,
		gasPayment:     cfg.GasLimitPayment,
		gasRegister:    cfg.GasLimitRegister,
		gasSubmit:      cfg.GasLimitSubmit,
		gasAggregation: cfg.GasLimitAggregation,
		receiptTimeout: timeout,
	}, nil
}

// From returns the signing address.
func (c *Client) From() common.Address {
	return c.from
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// SuggestPriorityFee returns the node's current priority-fee suggestion in
// wei. Satisfies the object-log fee estimator so storage admission control
// tracks the same chain the settlements ride on.
func (c *Client) SuggestPriorityFee(ctx context.Context) (*big.Int, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "chain: suggest priority fee")
	}
	return tip, nil
}

func (c *Client) CreatePaymentStatement(ctx context.Context, token string, amount *big.Int, arbiter string, demand []byte) (string, error) {
	if !common.IsHexAddress(token) {
		return "", eris.Errorf("chain: invalid token address %q", token)
	}
	if !common.IsHexAddress(arbiter) {
		return "", eris.Errorf("chain: invalid arbiter address %q", arbiter)
	}
	data, err := obligationABI.Pack("createStatement",
		common.HexToAddress(token), amount, common.HexToAddress(arbiter), demand)
	if err != nil {
		return "", eris.Wrap(err, "chain: pack createStatement")
	}

	receipt, tx, err := c.sendAndWait(ctx, c.contracts.PaymentObligation, data, c.gasPayment)
	if err != nil {
		return "", eris.Wrap(err, "chain: create payment statement")
	}

	uid, err := ExtractAttestationUID(receipt, c.contracts.AttestationRegistry, c.contracts.PaymentSchema)
	if err != nil {
		return "", err
	}
	zap.L().Info("chain: payment statement created",
		zap.String("tx", tx.Hash().Hex()),
		zap.String("paymentUid", uid.Hex()))
	return uid.Hex(), nil
}

func (c *Client) RegisterAgent(ctx context.Context, agentID, payoutAddress string) (string, error) {
	if !common.IsHexAddress(payoutAddress) {
		return "", eris.Errorf("chain: invalid payout address %q", payoutAddress)
	}
	data, err := registryABI.Pack("registerAgent", agentID, common.HexToAddress(payoutAddress))
	if err != nil {
		return "", eris.Wrap(err, "chain: pack registerAgent")
	}

	_, tx, err := c.sendAndWait(ctx, c.contracts.AgentRegistry, data, c.gasRegister)
	if err != nil {
		return "", eris.Wrapf(err, "chain: register agent %s", agentID)
	}
	zap.L().Info("chain: agent registered",
		zap.String("agent", agentID),
		zap.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), nil
}

func (c *Client) SubmitValidation(ctx context.Context, paymentUID, validationUID string) (string, error) {
	pay, err := parseHash(paymentUID)
	if err != nil {
		return "", eris.Wrap(err, "chain: payment uid")
	}
	val, err := parseHash(validationUID)
	if err != nil {
		return "", eris.Wrap(err, "chain: validation uid")
	}
	data, err := validatorABI.Pack("submitValidation", [32]byte(pay), [32]byte(val))
	if err != nil {
		return "", eris.Wrap(err, "chain: pack submitValidation")
	}

	_, tx, err := c.sendAndWait(ctx, c.contracts.ValidationArbiter, data, c.gasSubmit)
	if err != nil {
		return "", eris.Wrap(err, "chain: submit validation")
	}
	zap.L().Info("chain: validation submitted",
		zap.String("paymentUid", paymentUID),
		zap.String("validationUid", validationUID),
		zap.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), nil
}

func (c *Client) TriggerAggregation(ctx context.Context, requestCtx string) (string, error) {
	data, err := aggABI.Pack("triggerAggregation", requestCtx)
	if err != nil {
		return "", eris.Wrap(err, "chain: pack triggerAggregation")
	}

	_, tx, err := c.sendAndWait(ctx, c.contracts.Aggregator, data, c.gasAggregation)
	if err != nil {
		return "", eris.Wrapf(err, "chain: trigger aggregation for %s", requestCtx)
	}
	zap.L().Info("chain: aggregation triggered",
		zap.String("requestContext", requestCtx),
		zap.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), nil
}

// sendAndWait signs and submits one transaction, then blocks until it is
// mined or the receipt timeout lapses. The nonce is read and the transaction
// broadcast under txMu; waiting happens outside the lock so a slow block
// does not stall unrelated submissions.
func (c *Client) sendAndWait(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*types.Receipt, *types.Transaction, error) {
	tx, err := c.submit(ctx, to, data, gasLimit)
	if err != nil {
		return nil, nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "wait for tx %s", tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, nil, eris.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return receipt, tx, nil
}

func (c *Client) submit(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*types.Transaction, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, eris.Wrap(err, "pending nonce")
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "suggest tip")
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "latest header")
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, eris.Wrap(err, "sign tx")
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, eris.Wrapf(err, "send tx %s", signed.Hash().Hex())
	}
	zap.L().Debug("chain: tx submitted",
		zap.String("tx", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce))
	return signed, nil
}
