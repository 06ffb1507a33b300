package perp

import (
	"sync"
	"time"
)

// Leaf collaborators consumed by the settlement core. Each is a narrow
// contract; the Simple* implementations below back tests and the standalone
// node, and real deployments substitute their own.
//
// Money-moving collaborators (Vault, LiquidityPool, FeeSplitter,
// DelegateRegistry.Deposit) are called after the core has validated a trade
// and committed its fee accrual, so they must not fail for business reasons:
// an implementation either applies the transfer or reports an infrastructure
// fault, and a fault aborts the settlement call mid-way with the accrual
// already committed. Implementations that can reject transfers must do their
// rejection checks up front, out of band of the settlement path.

// PriceSource pushes and reads oracle prices. Price returns the worst price
// for the caller when maximize is true (buys) and the best when false
// (sells), and fails when the stored price is stale.
type PriceSource interface {
	Update(pair string, price uint64, proof []byte) error
	Price(pair string, maximize bool) (uint64, error)
}

// Vault escrows coins per asset and purpose.
type Vault interface {
	Deposit(user, asset, purpose string, amount uint64) error
	Withdraw(user, asset, purpose string, amount uint64) error
}

// VaultPurposeOrder is the escrow purpose used for pending order collateral.
const VaultPurposeOrder = "order_collateral"

// LiquidityPool absorbs trading losses and pays out trading gains. Its soft
// breaker blocks brand-new positions; the hard breaker blocks any increase.
type LiquidityPool interface {
	PnLDeposit(asset string, amount uint64) error
	PnLWithdraw(asset string, amount uint64) error
	SoftBreak() bool
	HardBreak() bool
}

// FeeSplitter routes protocol fees to pool/stake/dev.
type FeeSplitter interface {
	DepositFee(asset string, amount uint64) error
}

// DelegateRegistry authorizes a second signer to act for a user. When a user
// has an active delegate, refunds and payouts are credited to the delegate
// account balance instead of being withdrawn directly.
type DelegateRegistry interface {
	IsRegistered(delegate, user string) bool
	HasDelegate(user string) bool
	Deposit(user, asset string, amount uint64) error
}

// Blocklist rejects order placement for blocked users.
type Blocklist interface {
	IsBlocked(user string) bool
}

// SimplePriceSource is a single-writer in-memory price feed with a spread and
// a freshness window.
type SimplePriceSource struct {
	mu        sync.RWMutex
	prices    map[string]uint64
	updatedAt map[string]time.Time
	// SpreadBps widens the returned price by +/- half the spread.
	SpreadBps uint64
	// MaxAge bounds price staleness; zero disables the check.
	MaxAge time.Duration
}

func NewSimplePriceSource() *SimplePriceSource {
	return &SimplePriceSource{
		prices:    make(map[string]uint64),
		updatedAt: make(map[string]time.Time),
	}
}

func (s *SimplePriceSource) Update(pair string, price uint64, _ []byte) error {
	if price == 0 {
		return ErrZeroPrice
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pair] = price
	s.updatedAt[pair] = time.Now()
	return nil
}

func (s *SimplePriceSource) Price(pair string, maximize bool) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[pair]
	if !ok {
		return 0, ErrZeroPrice
	}
	if s.MaxAge > 0 && time.Since(s.updatedAt[pair]) > s.MaxAge {
		return 0, ErrStalePrice
	}
	half := mulDiv(price, s.SpreadBps, 2*BpsScale)
	if maximize {
		return price + half, nil
	}
	if half >= price {
		return 1, nil
	}
	return price - half, nil
}

// SimpleVault tracks escrowed balances per (asset, purpose) and per user.
type SimpleVault struct {
	mu       sync.Mutex
	escrowed map[string]uint64 // asset/purpose -> total
	users    map[string]uint64 // user/asset/purpose -> amount
}

func NewSimpleVault() *SimpleVault {
	return &SimpleVault{
		escrowed: make(map[string]uint64),
		users:    make(map[string]uint64),
	}
}

func (v *SimpleVault) Deposit(user, asset, purpose string, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.escrowed[asset+"/"+purpose] += amount
	v.users[user+"/"+asset+"/"+purpose] += amount
	return nil
}

func (v *SimpleVault) Withdraw(user, asset, purpose string, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.escrowed[asset+"/"+purpose] = satSub(v.escrowed[asset+"/"+purpose], amount)
	v.users[user+"/"+asset+"/"+purpose] = satSub(v.users[user+"/"+asset+"/"+purpose], amount)
	return nil
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Escrowed reports the total held for an asset and purpose.
func (v *SimpleVault) Escrowed(asset, purpose string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.escrowed[asset+"/"+purpose]
}

// SimpleLiquidityPool is a counterparty pool with settable circuit breakers.
type SimpleLiquidityPool struct {
	mu        sync.Mutex
	balances  map[string]uint64
	softBreak bool
	hardBreak bool
}

func NewSimpleLiquidityPool() *SimpleLiquidityPool {
	return &SimpleLiquidityPool{balances: make(map[string]uint64)}
}

func (p *SimpleLiquidityPool) PnLDeposit(asset string, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] += amount
	return nil
}

func (p *SimpleLiquidityPool) PnLWithdraw(asset string, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = satSub(p.balances[asset], amount)
	return nil
}

func (p *SimpleLiquidityPool) SoftBreak() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.softBreak
}

func (p *SimpleLiquidityPool) HardBreak() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hardBreak
}

// SetBreakers flips the soft/hard circuit breakers.
func (p *SimpleLiquidityPool) SetBreakers(soft, hard bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.softBreak, p.hardBreak = soft, hard
}

// Balance reports the pool balance for an asset.
func (p *SimpleLiquidityPool) Balance(asset string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset]
}

// SimpleFeeSplitter accumulates deposited fees per asset.
type SimpleFeeSplitter struct {
	mu   sync.Mutex
	fees map[string]uint64
}

func NewSimpleFeeSplitter() *SimpleFeeSplitter {
	return &SimpleFeeSplitter{fees: make(map[string]uint64)}
}

func (f *SimpleFeeSplitter) DepositFee(asset string, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fees[asset] += amount
	return nil
}

// Collected reports the fees received for an asset.
func (f *SimpleFeeSplitter) Collected(asset string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fees[asset]
}

// SimpleDelegateRegistry is an in-memory delegate map with credited balances.
type SimpleDelegateRegistry struct {
	mu        sync.Mutex
	delegates map[string]string // user -> delegate
	balances  map[string]uint64 // user/asset -> credited amount
}

func NewSimpleDelegateRegistry() *SimpleDelegateRegistry {
	return &SimpleDelegateRegistry{
		delegates: make(map[string]string),
		balances:  make(map[string]uint64),
	}
}

// Register sets delegate as the active signer for user.
func (r *SimpleDelegateRegistry) Register(delegate, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegates[user] = delegate
}

func (r *SimpleDelegateRegistry) IsRegistered(delegate, user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delegates[user] == delegate && delegate != ""
}

func (r *SimpleDelegateRegistry) HasDelegate(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delegates[user] != ""
}

func (r *SimpleDelegateRegistry) Deposit(user, asset string, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[user+"/"+asset] += amount
	return nil
}

// Credited reports the amount credited to a user's delegate balance.
func (r *SimpleDelegateRegistry) Credited(user, asset string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[user+"/"+asset]
}

// SimpleBlocklist is an in-memory user blocklist.
type SimpleBlocklist struct {
	mu      sync.Mutex
	blocked map[string]bool
}

func NewSimpleBlocklist() *SimpleBlocklist {
	return &SimpleBlocklist{blocked: make(map[string]bool)}
}

// Block adds a user to the blocklist.
func (b *SimpleBlocklist) Block(user string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[user] = true
}

func (b *SimpleBlocklist) IsBlocked(user string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked[user]
}
