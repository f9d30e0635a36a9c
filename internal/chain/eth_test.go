package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gavelworks/gavel/internal/money"
)

// Well-known throwaway test key.
const testKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

const testToken = "0x1111111111111111111111111111111111111111"

type mockClient struct {
	nonce       uint64
	nonceErr    error
	gasPrice    *big.Int
	gasPriceErr error
	sendErr     error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	receiptErr  error
	callResult  []byte
	callErr     error
	head        uint64
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return m.nonce, m.nonceErr
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.gasPriceErr != nil {
		return nil, m.gasPriceErr
	}
	if m.gasPrice != nil {
		return m.gasPrice, nil
	}
	return big.NewInt(1_000_000_000), nil
}

func (m *mockClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	r, ok := m.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (m *mockClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return m.callResult, m.callErr
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.head, nil
}

func (m *mockClient) Close() {}

// fund seeds a custody sub-account, standing in for verified deposits.
func fund(l *EthLedger, account string, amount money.Amount) {
	l.mu.Lock()
	l.accounts[account] += amount.Units
	l.mu.Unlock()
}

func newTestLedger(t *testing.T, client EthClient) *EthLedger {
	t.Helper()
	l, err := NewEthLedger(Config{
		RPCURL:        "http://localhost:8545",
		PrivateKey:    testKey,
		ChainID:       1337,
		TokenContract: testToken,
		Currency:      "USD",
	}, WithClient(client))
	if err != nil {
		t.Fatalf("NewEthLedger: %v", err)
	}
	return l
}

func TestNewEthLedgerValidation(t *testing.T) {
	base := Config{
		RPCURL:        "http://localhost:8545",
		PrivateKey:    testKey,
		ChainID:       1337,
		TokenContract: testToken,
		Currency:      "USD",
	}

	cfg := base
	cfg.RPCURL = ""
	if _, err := NewEthLedger(cfg); !errors.Is(err, ErrRPCConnection) {
		t.Errorf("missing RPC URL: expected ErrRPCConnection, got %v", err)
	}

	cfg = base
	cfg.PrivateKey = "abc"
	if _, err := NewEthLedger(cfg); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("short key: expected ErrInvalidAddress, got %v", err)
	}

	cfg = base
	cfg.ChainID = 0
	if _, err := NewEthLedger(cfg); err == nil {
		t.Error("missing chain ID: expected error")
	}

	cfg = base
	cfg.TokenContract = ""
	if _, err := NewEthLedger(cfg); err == nil {
		t.Error("missing token contract: expected error")
	}
}

func TestEthLedgerBookTransfers(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, &mockClient{})

	from, _ := l.CreateAccount(ctx, "lst_1")
	to, _ := l.CreateAccount(ctx, "lst_2")
	fund(l, from, money.MustParse("10", "USD"))

	ref, err := l.Transfer(ctx, from, to, money.MustParse("4", "USD"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !strings.HasPrefix(ref, "book_") {
		t.Errorf("custody move ref = %q, want book_ prefix", ref)
	}

	// Book entries are final immediately.
	final, err := l.ConfirmFinality(ctx, ref)
	if err != nil || !final {
		t.Errorf("ConfirmFinality = %v, %v; want true, nil", final, err)
	}

	bal, _ := l.Balance(ctx, from)
	if bal.Units != 6_000_000 {
		t.Errorf("from balance = %d units, want 6000000", bal.Units)
	}
	bal, _ = l.Balance(ctx, to)
	if bal.Units != 4_000_000 {
		t.Errorf("to balance = %d units, want 4000000", bal.Units)
	}
}

func TestEthLedgerExternalPayout(t *testing.T) {
	ctx := context.Background()
	client := &mockClient{}
	l := newTestLedger(t, client)

	acc, _ := l.CreateAccount(ctx, "lst_1")
	fund(l, acc, money.MustParse("10", "USD"))

	ref, err := l.Transfer(ctx, acc, "0x2222222222222222222222222222222222222222", money.MustParse("10", "USD"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 on-chain transaction, got %d", len(client.sent))
	}
	if ref != client.sent[0].Hash().Hex() {
		t.Errorf("ref = %q, want sent tx hash %q", ref, client.sent[0].Hash().Hex())
	}

	bal, _ := l.Balance(ctx, acc)
	if !bal.IsZero() {
		t.Errorf("sub-account balance = %v, want zero after payout", bal)
	}
}

func TestEthLedgerFailedSendRecredits(t *testing.T) {
	ctx := context.Background()
	client := &mockClient{sendErr: errors.New("node down")}
	l := newTestLedger(t, client)

	acc, _ := l.CreateAccount(ctx, "lst_1")
	fund(l, acc, money.MustParse("10", "USD"))

	_, err := l.Transfer(ctx, acc, "0x2222222222222222222222222222222222222222", money.MustParse("10", "USD"))
	if err == nil {
		t.Fatal("expected transfer failure")
	}

	// The debit is rolled back; no funds left custody.
	bal, _ := l.Balance(ctx, acc)
	if bal.Units != 10_000_000 {
		t.Errorf("balance = %d units, want 10000000 after rollback", bal.Units)
	}
}

func TestEthLedgerConfirmFinality(t *testing.T) {
	ctx := context.Background()
	hash := common.HexToHash("0xabc1")
	client := &mockClient{
		receipts: map[common.Hash]*types.Receipt{
			hash: {Status: 1, BlockNumber: big.NewInt(100)},
		},
		head: 100 + FinalityDepth - 1,
	}
	l := newTestLedger(t, client)

	final, err := l.ConfirmFinality(ctx, hash.Hex())
	if err != nil {
		t.Fatalf("ConfirmFinality: %v", err)
	}
	if final {
		t.Error("transfer above finality depth must not be final yet")
	}

	client.head = 100 + FinalityDepth
	final, err = l.ConfirmFinality(ctx, hash.Hex())
	if err != nil || !final {
		t.Errorf("ConfirmFinality = %v, %v; want true, nil", final, err)
	}

	// Unmined transfers are pending, not failed.
	final, err = l.ConfirmFinality(ctx, common.HexToHash("0xdead").Hex())
	if err != nil || final {
		t.Errorf("unmined: ConfirmFinality = %v, %v; want false, nil", final, err)
	}

	// A reverted transfer is a hard failure.
	reverted := common.HexToHash("0xabc2")
	client.receipts[reverted] = &types.Receipt{Status: 0, BlockNumber: big.NewInt(100)}
	if _, err := l.ConfirmFinality(ctx, reverted.Hex()); !errors.Is(err, ErrTransferFailed) {
		t.Errorf("reverted: expected ErrTransferFailed, got %v", err)
	}
}

func TestEthLedgerVerifyDeposit(t *testing.T) {
	ctx := context.Background()

	payer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	hash := common.HexToHash("0xd1")

	client := &mockClient{receipts: map[common.Hash]*types.Receipt{}}
	l := newTestLedger(t, client)

	amount := money.MustParse("10", "USD")
	transferTopic := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	client.receipts[hash] = &types.Receipt{
		Status: 1,
		Logs: []*types.Log{{
			Address: common.HexToAddress(testToken),
			Topics: []common.Hash{
				transferTopic,
				common.BytesToHash(payer.Bytes()),
				common.BytesToHash(common.HexToAddress(l.Address()).Bytes()),
			},
			Data: big.NewInt(amount.Units).FillBytes(make([]byte, 32)),
		}},
	}

	acc, _ := l.CreateAccount(ctx, "lst_1")

	// A deposit smaller than claimed does not verify.
	ok, err := l.VerifyDeposit(ctx, payer.Hex(), acc, hash.Hex(), money.MustParse("11", "USD"))
	if err != nil || ok {
		t.Errorf("undersized: VerifyDeposit = %v, %v; want false, nil", ok, err)
	}

	// Another payer's deposit does not verify.
	other := common.HexToAddress("0x4444444444444444444444444444444444444444")
	ok, err = l.VerifyDeposit(ctx, other.Hex(), acc, hash.Hex(), amount)
	if err != nil || ok {
		t.Errorf("wrong payer: VerifyDeposit = %v, %v; want false, nil", ok, err)
	}

	if _, err := l.VerifyDeposit(ctx, "not-an-address", acc, hash.Hex(), amount); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}

	// Deposits credit custody accounts only.
	if _, err := l.VerifyDeposit(ctx, payer.Hex(), "0x5555555555555555555555555555555555555555", hash.Hex(), amount); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("external account: expected ErrInvalidAddress, got %v", err)
	}

	ok, err = l.VerifyDeposit(ctx, payer.Hex(), acc, hash.Hex(), amount)
	if err != nil || !ok {
		t.Errorf("VerifyDeposit = %v, %v; want true, nil", ok, err)
	}

	// Verification credits the sub-account the deposit was presented for.
	bal, err := l.Balance(ctx, acc)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Units != amount.Units {
		t.Errorf("sub-account = %d units, want %d", bal.Units, amount.Units)
	}
}

func TestEthLedgerVerifyDepositCreditsOnce(t *testing.T) {
	ctx := context.Background()

	payer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	hash := common.HexToHash("0xd2")
	amount := money.MustParse("10", "USD")

	client := &mockClient{receipts: map[common.Hash]*types.Receipt{}}
	l := newTestLedger(t, client)

	transferTopic := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	client.receipts[hash] = &types.Receipt{
		Status: 1,
		Logs: []*types.Log{{
			Address: common.HexToAddress(testToken),
			Topics: []common.Hash{
				transferTopic,
				common.BytesToHash(payer.Bytes()),
				common.BytesToHash(common.HexToAddress(l.Address()).Bytes()),
			},
			Data: big.NewInt(amount.Units).FillBytes(make([]byte, 32)),
		}},
	}

	acc, _ := l.CreateAccount(ctx, "lst_1")
	other, _ := l.CreateAccount(ctx, "lst_2")

	ok, err := l.VerifyDeposit(ctx, payer.Hex(), acc, hash.Hex(), amount)
	if err != nil || !ok {
		t.Fatalf("VerifyDeposit = %v, %v; want true, nil", ok, err)
	}

	// Re-verifying for the same account holds, without a second credit.
	ok, err = l.VerifyDeposit(ctx, payer.Hex(), acc, hash.Hex(), amount)
	if err != nil || !ok {
		t.Errorf("re-verify: VerifyDeposit = %v, %v; want true, nil", ok, err)
	}
	bal, _ := l.Balance(ctx, acc)
	if bal.Units != amount.Units {
		t.Errorf("sub-account = %d units, want %d after re-verify", bal.Units, amount.Units)
	}

	// The same reference cannot fund a second escrow.
	ok, err = l.VerifyDeposit(ctx, payer.Hex(), other, hash.Hex(), amount)
	if err != nil || ok {
		t.Errorf("reused ref: VerifyDeposit = %v, %v; want false, nil", ok, err)
	}
	bal, _ = l.Balance(ctx, other)
	if !bal.IsZero() {
		t.Errorf("second escrow = %d units, want 0", bal.Units)
	}
}

func TestEthLedgerPoolAccounts(t *testing.T) {
	ctx := context.Background()
	client := &mockClient{}
	l := newTestLedger(t, client)

	acc, _ := l.CreateAccount(ctx, "lst_1")
	fund(l, acc, money.MustParse("10", "USD"))

	// An untouched pool reads zero rather than not-found.
	bal, err := l.Balance(ctx, "pool_refunds")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.IsZero() {
		t.Errorf("fresh pool = %d units, want 0", bal.Units)
	}

	// Escrow to pool is a book entry; the pool exists from first use.
	ref, err := l.Transfer(ctx, acc, "pool_refunds", money.MustParse("10", "USD"))
	if err != nil {
		t.Fatalf("Transfer to pool: %v", err)
	}
	if !strings.HasPrefix(ref, "book_") {
		t.Errorf("pool move ref = %q, want book_ prefix", ref)
	}
	bal, _ = l.Balance(ctx, "pool_refunds")
	if bal.Units != 10_000_000 {
		t.Errorf("pool = %d units, want 10000000", bal.Units)
	}

	// Pool to external wallet is a real token transfer.
	if _, err := l.Transfer(ctx, "pool_refunds", "0x2222222222222222222222222222222222222222", money.MustParse("10", "USD")); err != nil {
		t.Fatalf("Transfer from pool: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 on-chain transaction, got %d", len(client.sent))
	}
	bal, _ = l.Balance(ctx, "pool_refunds")
	if !bal.IsZero() {
		t.Errorf("pool = %d units, want zero after payout", bal.Units)
	}
}

func TestEthLedgerBreakerTripsOnRPCFailures(t *testing.T) {
	ctx := context.Background()
	client := &mockClient{nonceErr: errors.New("connection refused")}
	l := newTestLedger(t, client)

	acc, _ := l.CreateAccount(ctx, "lst_1")
	fund(l, acc, money.MustParse("100", "USD"))

	ext := "0x2222222222222222222222222222222222222222"
	one := money.MustParse("1", "USD")
	for i := 0; i < 5; i++ {
		if _, err := l.Transfer(ctx, acc, ext, one); err == nil {
			t.Fatalf("attempt %d: expected RPC failure", i)
		}
	}

	// The breaker is open now; the next attempt fails fast.
	_, err := l.Transfer(ctx, acc, ext, one)
	if !errors.Is(err, ErrRPCConnection) {
		t.Errorf("expected ErrRPCConnection from open circuit, got %v", err)
	}

	// Failing fast must not leak the sub-account debit either.
	bal, _ := l.Balance(ctx, acc)
	if bal.Units != 100_000_000 {
		t.Errorf("balance = %d units, want 100000000", bal.Units)
	}
}
