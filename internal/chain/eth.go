package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/gavelworks/gavel/internal/circuitbreaker"
	"github.com/gavelworks/gavel/internal/idgen"
	"github.com/gavelworks/gavel/internal/money"
)

// ERC20 minimal ABI for transfer and balanceOf.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for ERC20 transfers.
	DefaultGasLimit = uint64(100000)

	// FinalityDepth is how many blocks must bury a transfer before it
	// is treated as irreversible.
	FinalityDepth = uint64(6)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// bookRefPrefix marks book-entry transfers between custody accounts.
// They settle inside the custody wallet and are final immediately.
const bookRefPrefix = "book_"

// poolRefPrefix names operator-defined pool accounts (refunds, dispute
// fees). Pools are custody book entries like escrow sub-accounts, but
// their names are stable across restarts, so they come into existence
// on first use instead of through CreateAccount.
const poolRefPrefix = "pool_"

// rpcBreakerKey identifies the RPC node in the circuit breaker. The
// breaker trips after consecutive transport failures so a dead node
// fails fast instead of stalling every settlement path on timeouts.
const rpcBreakerKey = "eth_rpc"

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Config for the Ethereum-backed ledger.
type Config struct {
	RPCURL        string
	PrivateKey    string // hex, with or without 0x prefix
	ChainID       int64
	TokenContract string
	Currency      string // currency code amounts are denominated in
}

// Option configures the client.
type Option func(*EthLedger)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(l *EthLedger) {
		l.client = client
	}
}

// EthLedger implements Ledger over an ERC-20 settlement token.
//
// All custody accounts live inside the platform wallet; movements
// between them are book entries, while payouts to external addresses
// are real token transfers signed by the operator key.
type EthLedger struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	token      common.Address
	tokenABI   abi.ABI
	currency   string
	breaker    *circuitbreaker.Breaker

	mu       sync.Mutex
	accounts map[string]int64  // custody sub-account -> minor units
	credited map[string]string // deposit transferRef -> sub-account credited
}

var _ Ledger = (*EthLedger)(nil)

// NewEthLedger creates an Ethereum-backed escrow ledger.
func NewEthLedger(cfg Config, opts ...Option) (*EthLedger, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: private key must be 64 hex characters", ErrInvalidAddress)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if cfg.TokenContract == "" {
		return nil, fmt.Errorf("token contract address required")
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidAddress)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	l := &EthLedger{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenContract),
		tokenABI:   parsedABI,
		currency:   cfg.Currency,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		accounts:   make(map[string]int64),
		credited:   make(map[string]string),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		l.client = client
	}

	return l, nil
}

// Address returns the custody wallet address.
func (l *EthLedger) Address() string {
	return l.address.Hex()
}

// CreateAccount opens a custody sub-account.
func (l *EthLedger) CreateAccount(ctx context.Context, reference string) (string, error) {
	id := idgen.WithPrefix("esc_")
	l.mu.Lock()
	l.accounts[id] = 0
	l.mu.Unlock()
	return id, nil
}

// Transfer moves funds. Custody-to-custody moves are book entries;
// custody-to-external executes an ERC-20 transfer from the platform wallet.
func (l *EthLedger) Transfer(ctx context.Context, from, to string, amount money.Amount) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}

	if isCustody(from) && isCustody(to) {
		return l.bookTransfer(from, to, amount)
	}

	if isCustody(from) && common.IsHexAddress(to) {
		// Debit the sub-account first; the on-chain send drains the
		// shared platform wallet.
		if _, err := l.bookTransfer(from, "", amount); err != nil {
			return "", err
		}
		ref, err := l.sendToken(ctx, common.HexToAddress(to), amount)
		if err != nil {
			// Re-credit the sub-account; no funds left custody.
			l.mu.Lock()
			l.accounts[from] += amount.Units
			l.mu.Unlock()
			return "", err
		}
		return ref, nil
	}

	return "", fmt.Errorf("%w: cannot initiate transfer from %q", ErrInvalidAddress, from)
}

// Balance returns a custody sub-account balance, or the on-chain token
// balance for an external address.
func (l *EthLedger) Balance(ctx context.Context, account string) (money.Amount, error) {
	if isCustody(account) {
		l.mu.Lock()
		units, ok := l.accounts[account]
		l.mu.Unlock()
		if !ok {
			// A pool nothing has drained into yet holds zero.
			if strings.HasPrefix(account, poolRefPrefix) {
				return money.Zero(l.currency), nil
			}
			return money.Amount{}, ErrAccountNotFound
		}
		return money.FromUnits(units, l.currency), nil
	}

	if !common.IsHexAddress(account) {
		return money.Amount{}, ErrInvalidAddress
	}
	raw, err := l.balanceOf(ctx, common.HexToAddress(account))
	if err != nil {
		return money.Amount{}, err
	}
	return money.FromUnits(raw.Int64(), l.currency), nil
}

// ConfirmFinality reports whether a transfer is irreversible. Book
// entries are final immediately; on-chain transfers require a successful
// receipt buried FinalityDepth blocks deep.
func (l *EthLedger) ConfirmFinality(ctx context.Context, transferRef string) (bool, error) {
	if strings.HasPrefix(transferRef, bookRefPrefix) {
		return true, nil
	}

	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(transferRef))
	if err != nil {
		// Not mined yet. Not an error; the caller retries.
		return false, nil
	}
	if receipt.Status == 0 {
		return false, &TransferError{Op: "confirm", Ref: transferRef, Err: ErrTransferFailed}
	}

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get block number: %w", err)
	}
	return head >= receipt.BlockNumber.Uint64()+FinalityDepth, nil
}

// VerifyDeposit checks receipt logs for a token transfer of at least
// amount from payer into the platform wallet, and on the first
// successful verification credits the custody sub-account the deposit
// was presented for. The credit is keyed on the transfer reference:
// re-verifying the same reference for the same account is a no-op, and
// presenting it for a different account fails, so one on-chain deposit
// can never fund two escrows.
func (l *EthLedger) VerifyDeposit(ctx context.Context, payer, account, transferRef string, amount money.Amount) (bool, error) {
	if !common.IsHexAddress(payer) {
		return false, ErrInvalidAddress
	}
	if !isCustody(account) {
		return false, fmt.Errorf("%w: deposits credit custody accounts, not %q", ErrInvalidAddress, account)
	}
	payerAddr := common.HexToAddress(payer)

	l.mu.Lock()
	boundTo, seen := l.credited[transferRef]
	l.mu.Unlock()
	if seen {
		return boundTo == account, nil
	}

	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(transferRef))
	if err != nil {
		return false, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status == 0 {
		return false, nil
	}

	want := big.NewInt(amount.Units)
	for _, log := range receipt.Logs {
		if log.Address != l.token {
			continue
		}
		if len(log.Topics) < 3 {
			continue
		}
		eventFrom := common.HexToAddress(log.Topics[1].Hex())
		eventTo := common.HexToAddress(log.Topics[2].Hex())
		eventAmount := new(big.Int).SetBytes(log.Data)

		if eventFrom == payerAddr && eventTo == l.address && eventAmount.Cmp(want) >= 0 {
			return l.creditDeposit(account, transferRef, amount)
		}
	}

	return false, nil
}

// creditDeposit books a verified deposit into a custody sub-account,
// exactly once per transfer reference.
func (l *EthLedger) creditDeposit(account, transferRef string, amount money.Amount) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if boundTo, seen := l.credited[transferRef]; seen {
		return boundTo == account, nil
	}
	if _, ok := l.accounts[account]; !ok {
		if !strings.HasPrefix(account, poolRefPrefix) {
			return false, ErrAccountNotFound
		}
		l.accounts[account] = 0
	}
	l.accounts[account] += amount.Units
	l.credited[transferRef] = account
	return true, nil
}

// CloseAccount drains a custody sub-account to residualTo and deletes it.
func (l *EthLedger) CloseAccount(ctx context.Context, account, residualTo string) (money.Amount, string, error) {
	l.mu.Lock()
	units, ok := l.accounts[account]
	l.mu.Unlock()
	if !ok {
		return money.Amount{}, "", ErrAccountNotFound
	}

	residual := money.FromUnits(units, l.currency)
	var ref string
	if units > 0 {
		var err error
		ref, err = l.Transfer(ctx, account, residualTo, residual)
		if err != nil {
			return money.Amount{}, "", err
		}
	}

	l.mu.Lock()
	delete(l.accounts, account)
	l.mu.Unlock()
	return residual, ref, nil
}

func (l *EthLedger) bookTransfer(from, to string, amount money.Amount) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.accounts[from]
	if !ok {
		return "", ErrAccountNotFound
	}
	if bal < amount.Units {
		return "", ErrInsufficientBalance
	}

	if to != "" {
		if _, ok := l.accounts[to]; !ok {
			// Pool accounts come into existence on first use; escrow
			// sub-accounts must have been opened by CreateAccount.
			if !strings.HasPrefix(to, poolRefPrefix) {
				return "", ErrAccountNotFound
			}
			l.accounts[to] = 0
		}
		l.accounts[to] += amount.Units
	}
	l.accounts[from] = bal - amount.Units
	return idgen.WithPrefix(bookRefPrefix), nil
}

func (l *EthLedger) balanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := l.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	if !l.breaker.Allow(rpcBreakerKey) {
		return nil, fmt.Errorf("%w: circuit open", ErrRPCConnection)
	}
	result, err := l.client.CallContract(ctx, ethereum.CallMsg{
		To:   &l.token,
		Data: data,
	}, nil)
	if err != nil {
		l.breaker.RecordFailure(rpcBreakerKey)
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	l.breaker.RecordSuccess(rpcBreakerKey)

	balance := new(big.Int)
	balance.SetBytes(result)
	return balance, nil
}

func (l *EthLedger) sendToken(ctx context.Context, to common.Address, amount money.Amount) (string, error) {
	if !l.breaker.Allow(rpcBreakerKey) {
		return "", &TransferError{Op: "send", Err: fmt.Errorf("%w: circuit open", ErrRPCConnection)}
	}

	data, err := l.tokenABI.Pack("transfer", to, big.NewInt(amount.Units))
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.address)
	if err != nil {
		l.breaker.RecordFailure(rpcBreakerKey)
		return "", &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		l.breaker.RecordFailure(rpcBreakerKey)
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  l.address,
		To:    &l.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, l.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		l.breaker.RecordFailure(rpcBreakerKey)
		return "", &TransferError{Op: "send", Ref: signedTx.Hash().Hex(), Err: err}
	}

	l.breaker.RecordSuccess(rpcBreakerKey)
	return signedTx.Hash().Hex(), nil
}

func isCustody(account string) bool {
	return strings.HasPrefix(account, "esc_") || strings.HasPrefix(account, poolRefPrefix)
}
