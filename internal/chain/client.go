// Package chain wraps the settlement chain's JSON-RPC endpoint with typed
// calls into the CollateralVault contract and the bot directory. Reads fan
// out freely; writes are serialized by a single mutex held around the whole
// read-nonce, sign, broadcast sequence so concurrent commits from one agent
// never collide on nonce.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/peerbet/agent/internal/commitment"
	"github.com/peerbet/agent/internal/wallet"
)

// BetStatus mirrors the vault's status enum.
type BetStatus uint8

const (
	StatusPending BetStatus = iota
	StatusCommitted
	StatusInArbitration
	StatusSettled
)

func (s BetStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusInArbitration:
		return "in-arbitration"
	case StatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

var (
	// ErrReverted is returned when a transaction mined with failed status.
	ErrReverted = errors.New("chain: transaction reverted")

	// ErrNoCommitEvent is returned when a successful commit receipt carries
	// no Committed log to extract the bet id from.
	ErrNoCommitEvent = errors.New("chain: commit receipt missing Committed event")
)

const (
	receiptPollInterval = 500 * time.Millisecond
	defaultGasLimit     = 600_000
)

// BetInfo is the vault's view of a bet.
type BetInfo struct {
	Status     BetStatus
	Creator    common.Address
	Filler     common.Address
	TradesRoot common.Hash
	Deadline   *big.Int
}

// Bot is one directory entry.
type Bot struct {
	Address  common.Address
	Endpoint string
}

// Balance is the vault's split balance for one account.
type Balance struct {
	Available *big.Int
	Locked    *big.Int
}

// Client is the agent's settlement-chain client.
type Client struct {
	rpc       *rpc.Client
	eth       *ethclient.Client
	wallet    *wallet.Wallet
	chainID   *big.Int
	vault     common.Address
	directory common.Address

	vaultABI     abi.ABI
	directoryABI abi.ABI
	committedID  common.Hash

	txMu   sync.Mutex
	logger log.Logger
}

// Dial connects to the settlement chain.
func Dial(ctx context.Context, url string, w *wallet.Wallet, chainID uint64, vault, directory common.Address) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	vabi, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("chain: vault abi: %w", err)
	}
	dabi, err := abi.JSON(strings.NewReader(directoryABI))
	if err != nil {
		return nil, fmt.Errorf("chain: directory abi: %w", err)
	}
	return &Client{
		rpc:          rc,
		eth:          ethclient.NewClient(rc),
		wallet:       w,
		chainID:      new(big.Int).SetUint64(chainID),
		vault:        vault,
		directory:    directory,
		vaultABI:     vabi,
		directoryABI: dabi,
		committedID:  vabi.Events["Committed"].ID,
		logger:       log.New("component", "chain"),
	}, nil
}

// Close tears down the RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) callVault(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.call(ctx, c.vault, c.vaultABI, result, method, args...)
}

func (c *Client) callDirectory(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.call(ctx, c.directory, c.directoryABI, result, method, args...)
}

func (c *Client) call(ctx context.Context, to common.Address, parsed abi.ABI, result interface{}, method string, args ...interface{}) error {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("chain: call %s: %w", method, err)
	}
	if err := parsed.UnpackIntoInterface(result, method, out); err != nil {
		return fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return nil
}

// GetVaultBalance reads the account's available and locked collateral.
func (c *Client) GetVaultBalance(ctx context.Context, account common.Address) (Balance, error) {
	var out struct {
		Available *big.Int
		Locked    *big.Int
	}
	if err := c.callVault(ctx, &out, "balances", account); err != nil {
		return Balance{}, err
	}
	return Balance{Available: out.Available, Locked: out.Locked}, nil
}

// GetVaultNonce reads the per-creator commitment nonce.
func (c *Client) GetVaultNonce(ctx context.Context, account common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.callVault(ctx, &out, "nonces", account); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBet reads a bet's on-chain record.
func (c *Client) GetBet(ctx context.Context, betID uint64) (*BetInfo, error) {
	var out struct {
		Status     uint8
		Creator    common.Address
		Filler     common.Address
		TradesRoot [32]byte
		Deadline   *big.Int
	}
	if err := c.callVault(ctx, &out, "getBet", new(big.Int).SetUint64(betID)); err != nil {
		return nil, err
	}
	return &BetInfo{
		Status:     BetStatus(out.Status),
		Creator:    out.Creator,
		Filler:     out.Filler,
		TradesRoot: out.TradesRoot,
		Deadline:   out.Deadline,
	}, nil
}

// GetActiveKeeperCount reads the arbitration keeper count.
func (c *Client) GetActiveKeeperCount(ctx context.Context) (uint64, error) {
	var out *big.Int
	if err := c.callVault(ctx, &out, "activeKeeperCount"); err != nil {
		return 0, err
	}
	return out.Uint64(), nil
}

// IsBotRegistered checks the directory for the given agent address.
func (c *Client) IsBotRegistered(ctx context.Context, bot common.Address) (bool, error) {
	var out bool
	if err := c.callDirectory(ctx, &out, "isRegistered", bot); err != nil {
		return false, err
	}
	return out, nil
}

// ListBots enumerates the directory with each bot's advertised endpoint.
// Bots with an empty endpoint are skipped.
func (c *Client) ListBots(ctx context.Context) ([]Bot, error) {
	var addrs []common.Address
	if err := c.callDirectory(ctx, &addrs, "getBots"); err != nil {
		return nil, err
	}
	bots := make([]Bot, 0, len(addrs))
	for _, addr := range addrs {
		var endpoint string
		if err := c.callDirectory(ctx, &endpoint, "endpoints", addr); err != nil {
			c.logger.Warn("Endpoint lookup failed", "bot", addr, "err", err)
			continue
		}
		if endpoint == "" {
			continue
		}
		bots = append(bots, Bot{Address: addr, Endpoint: endpoint})
	}
	return bots, nil
}

// vaultBet mirrors the ABI tuple for commitBilateralBet.
type vaultBet struct {
	TradesRoot    [32]byte
	Creator       common.Address
	Filler        common.Address
	CreatorAmount *big.Int
	FillerAmount  *big.Int
	Deadline      *big.Int
	Nonce         *big.Int
	Expiry        *big.Int
}

// vaultAgreement mirrors the ABI tuple for settleByAgreement. The packer
// matches the betId component against a field spelled BetId, not BetID.
type vaultAgreement struct {
	BetId           *big.Int
	Winner          common.Address
	WinsCount       *big.Int
	ValidTrades     *big.Int
	IsTie           bool
	Expiry          *big.Int
	SettlementNonce *big.Int
}

// CommitBilateralBet submits the co-signed commitment and returns the tx
// hash and the bet id emitted by the Committed event.
func (c *Client) CommitBilateralBet(ctx context.Context, bet *commitment.BetCommitment, creatorSig, fillerSig []byte) (common.Hash, uint64, error) {
	data, err := c.vaultABI.Pack("commitBilateralBet", vaultBet{
		TradesRoot:    bet.TradesRoot,
		Creator:       bet.Creator,
		Filler:        bet.Filler,
		CreatorAmount: bet.CreatorAmount.Int(),
		FillerAmount:  bet.FillerAmount.Int(),
		Deadline:      bet.Deadline.Int(),
		Nonce:         bet.Nonce.Int(),
		Expiry:        bet.Expiry.Int(),
	}, creatorSig, fillerSig)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("chain: pack commit: %w", err)
	}

	receipt, err := c.submit(ctx, data)
	if err != nil {
		return common.Hash{}, 0, err
	}
	for _, lg := range receipt.Logs {
		if lg.Address == c.vault && len(lg.Topics) > 1 && lg.Topics[0] == c.committedID {
			return receipt.TxHash, new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(), nil
		}
	}
	return receipt.TxHash, 0, ErrNoCommitEvent
}

// SettleByAgreement submits the co-signed settlement agreement.
func (c *Client) SettleByAgreement(ctx context.Context, agreement *commitment.SettlementAgreement, sigA, sigB []byte) (common.Hash, error) {
	data, err := c.vaultABI.Pack("settleByAgreement", vaultAgreement{
		BetId:           agreement.BetID.Int(),
		Winner:          agreement.Winner,
		WinsCount:       agreement.WinsCount.Int(),
		ValidTrades:     agreement.ValidTrades.Int(),
		IsTie:           agreement.IsTie,
		Expiry:          agreement.Expiry.Int(),
		SettlementNonce: agreement.SettlementNonce.Int(),
	}, sigA, sigB)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack settle: %w", err)
	}
	receipt, err := c.submit(ctx, data)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// RequestArbitration hands the bet to the on-chain arbitrator.
func (c *Client) RequestArbitration(ctx context.Context, betID uint64) (common.Hash, error) {
	data, err := c.vaultABI.Pack("requestArbitration", new(big.Int).SetUint64(betID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack arbitration: %w", err)
	}
	receipt, err := c.submit(ctx, data)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// submit runs the serialized nonce -> sign -> broadcast sequence against the
// vault and waits for the receipt. The mutex covers only nonce -> sign ->
// broadcast; receipt polling runs unlocked so confirmation latency does not
// serialize unrelated transactions. A revert does not consume the account
// nonce on retry because the fresh counter is re-read on the next call.
func (c *Client) submit(ctx context.Context, calldata []byte) (*types.Receipt, error) {
	hash, err := c.broadcast(ctx, calldata)
	if err != nil {
		return nil, err
	}
	return c.waitMined(ctx, hash)
}

func (c *Client) broadcast(ctx context.Context, calldata []byte) (common.Hash, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	from := c.wallet.Address()
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas tip: %w", err)
	}
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas price: %w", err)
	}

	gas := uint64(defaultGasLimit)
	if est, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.vault, Data: calldata}); err == nil {
		gas = est + est/4
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Add(price, tip),
		Gas:       gas,
		To:        &c.vault,
		Data:      calldata,
	})
	signed, err := c.wallet.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign tx: %w", err)
	}

	// Broadcast the RLP-encoded payload directly.
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: encode tx: %w", err)
	}
	if err := c.rpc.CallContext(ctx, nil, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, fmt.Errorf("chain: broadcast: %w", err)
	}
	c.logger.Debug("Transaction broadcast", "hash", signed.Hash(), "nonce", nonce, "gas", gas)

	return signed.Hash(), nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("%w: tx %s", ErrReverted, hash)
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("Receipt poll error", "hash", hash, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
