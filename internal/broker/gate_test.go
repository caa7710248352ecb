package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/g13-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// fakeTerminal is the shared in-memory terminal for gate and ops tests.
type fakeTerminal struct {
	initErr   error
	login     int64
	positions []types.OpenPosition
	deals     map[int64][]types.Deal
	symbol    types.SymbolInfo
	tick      types.TickData
	orderErr  error
	retcode   int
	sent      []*types.OrderRequest

	initialized bool
	shutdowns   int
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		login:   111,
		retcode: types.TradeRetcodeDone,
		symbol: types.SymbolInfo{
			Name:       "BTCUSD",
			Digits:     2,
			VolumeMin:  0.01,
			VolumeMax:  10,
			VolumeStep: 0.01,
			Visible:    true,
		},
		tick:  types.TickData{Bid: 50000, Ask: 50010},
		deals: map[int64][]types.Deal{},
	}
}

func (f *fakeTerminal) Initialize(path string, login int64, password, server string, timeout time.Duration) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

func (f *fakeTerminal) Shutdown() {
	f.initialized = false
	f.shutdowns++
}

func (f *fakeTerminal) AccountInfo() (*types.AccountInfo, error) {
	return &types.AccountInfo{Login: f.login, Balance: 1000, Equity: 1000}, nil
}

func (f *fakeTerminal) SymbolInfo(symbol string) (*types.SymbolInfo, error) {
	info := f.symbol
	return &info, nil
}

func (f *fakeTerminal) SymbolSelect(symbol string, visible bool) error { return nil }

func (f *fakeTerminal) Tick(symbol string) (*types.TickData, error) {
	tick := f.tick
	return &tick, nil
}

func (f *fakeTerminal) CopyRates(symbol string, timeframe types.Timeframe, start, count int) ([]types.Candle, error) {
	return nil, nil
}

func (f *fakeTerminal) Positions(symbol string) ([]types.OpenPosition, error) {
	return f.positions, nil
}

func (f *fakeTerminal) DealsForPosition(positionID int64) ([]types.Deal, error) {
	return f.deals[positionID], nil
}

func (f *fakeTerminal) OrderSend(req *types.OrderRequest) (*types.OrderResult, error) {
	f.sent = append(f.sent, req)
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	return &types.OrderResult{Retcode: f.retcode, Order: 555, Price: req.Price, Volume: req.Volume}, nil
}

func testAccounts() map[string]types.AccountConfig {
	return map[string]types.AccountConfig{
		"fibo1": {Login: 111, Password: "pw", Server: "demo", Enabled: true},
		"fibo2": {Login: 222, Password: "pw", Server: "demo", Enabled: false},
	}
}

func newTestGate(term *fakeTerminal) *Gate {
	cfg := GateConfig{
		LockTimeout: 50 * time.Millisecond,
		InitTimeout: time.Second,
		SettleDelay: 0,
	}
	return NewGate(zap.NewNop(), cfg, term, testAccounts)
}

func TestGateAcquireRelease(t *testing.T) {
	term := newFakeTerminal()
	g := newTestGate(term)

	info, err := g.Acquire("fibo1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if info.Login != 111 {
		t.Fatalf("login = %d, want 111", info.Login)
	}
	if g.Holder() != "fibo1" {
		t.Fatalf("holder = %q, want fibo1", g.Holder())
	}

	g.Release()
	if g.Holder() != "" {
		t.Fatal("holder must clear on release")
	}
	if term.initialized {
		t.Fatal("release must shut the terminal down")
	}

	// Idempotent: a second release is a no-op.
	shutdowns := term.shutdowns
	g.Release()
	if term.shutdowns != shutdowns {
		t.Fatal("double release must not touch the terminal")
	}
}

func TestGateAcquireUnknownAgent(t *testing.T) {
	g := newTestGate(newFakeTerminal())
	if _, err := g.Acquire("ghost"); !errors.Is(err, ErrAgentUnknown) {
		t.Fatalf("expected ErrAgentUnknown, got %v", err)
	}
}

func TestGateAcquireDisabledAccount(t *testing.T) {
	g := newTestGate(newFakeTerminal())
	if _, err := g.Acquire("fibo2"); !errors.Is(err, ErrAgentDisabled) {
		t.Fatalf("expected ErrAgentDisabled, got %v", err)
	}
}

func TestGateAcquireTimesOutWhenHeld(t *testing.T) {
	g := newTestGate(newFakeTerminal())
	if _, err := g.Acquire("fibo1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer g.Release()

	if _, err := g.Acquire("fibo1"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestGateAcquireLoginMismatchReleases(t *testing.T) {
	term := newFakeTerminal()
	term.login = 999
	g := newTestGate(term)

	if _, err := g.Acquire("fibo1"); !errors.Is(err, ErrLoginMismatch) {
		t.Fatalf("expected ErrLoginMismatch, got %v", err)
	}
	// The token must come back on the failure path.
	term.login = 111
	if _, err := g.Acquire("fibo1"); err != nil {
		t.Fatalf("gate stayed locked after failed acquire: %v", err)
	}
	g.Release()
}

func TestGateAcquireInitFailure(t *testing.T) {
	term := newFakeTerminal()
	term.initErr = errors.New("terminal busy")
	g := newTestGate(term)

	if _, err := g.Acquire("fibo1"); !errors.Is(err, ErrInitFailed) {
		t.Fatalf("expected ErrInitFailed, got %v", err)
	}
	if g.Holder() != "" {
		t.Fatal("failed acquire must not leave a holder")
	}
}
