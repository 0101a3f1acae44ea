package staking

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"stakepool/core/events"
	"stakepool/crypto"
	"stakepool/native/bank"
)

type mockData struct {
	token      *bank.Token
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	pool       *Pool
	accounts   map[string]*StakeAccount
}

func newMockData() *mockData {
	return &mockData{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
		accounts:   make(map[string]*StakeAccount),
	}
}

func (d *mockData) clone() *mockData {
	out := newMockData()
	out.token = d.token.Clone()
	out.pool = d.pool.Clone()
	for k, v := range d.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range d.allowances {
		out.allowances[k] = new(big.Int).Set(v)
	}
	for k, v := range d.accounts {
		out.accounts[k] = v.Clone()
	}
	return out
}

// mockBackend stages every Update on a copy and swaps it in only on success.
type mockBackend struct {
	mu   sync.Mutex
	data *mockData
}

func newMockBackend() *mockBackend {
	return &mockBackend{data: newMockData()}
}

func (b *mockBackend) Update(fn func(Session) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	staged := b.data.clone()
	if err := fn(&mockSession{data: staged}); err != nil {
		return err
	}
	b.data = staged
	return nil
}

func (b *mockBackend) View(fn func(Session) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(&mockSession{data: b.data.clone()})
}

type mockSession struct {
	data *mockData
}

func addrKey(addr crypto.Address) string { return string(addr.Bytes()) }

func (s *mockSession) GetToken() (*bank.Token, error) { return s.data.token.Clone(), nil }

func (s *mockSession) PutToken(token *bank.Token) error {
	s.data.token = token.Clone()
	return nil
}

func (s *mockSession) GetBalance(addr crypto.Address) (*big.Int, error) {
	return s.data.balances[addrKey(addr)], nil
}

func (s *mockSession) PutBalance(addr crypto.Address, amount *big.Int) error {
	s.data.balances[addrKey(addr)] = new(big.Int).Set(amount)
	return nil
}

func (s *mockSession) GetAllowance(owner, spender crypto.Address) (*big.Int, error) {
	return s.data.allowances[addrKey(owner)+addrKey(spender)], nil
}

func (s *mockSession) PutAllowance(owner, spender crypto.Address, amount *big.Int) error {
	s.data.allowances[addrKey(owner)+addrKey(spender)] = new(big.Int).Set(amount)
	return nil
}

func (s *mockSession) GetStakingPool() (*Pool, error) { return s.data.pool.Clone(), nil }

func (s *mockSession) PutStakingPool(pool *Pool) error {
	s.data.pool = pool.Clone()
	return nil
}

func (s *mockSession) GetStakeAccount(addr crypto.Address) (*StakeAccount, error) {
	return s.data.accounts[addrKey(addr)].Clone(), nil
}

func (s *mockSession) PutStakeAccount(addr crypto.Address, account *StakeAccount) error {
	s.data.accounts[addrKey(addr)] = account.Clone()
	return nil
}

func (s *mockSession) StakeAccounts() ([]crypto.Address, error) {
	keys := make([]string, 0, len(s.data.accounts))
	for k := range s.data.accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]crypto.Address, 0, len(keys))
	for _, k := range keys {
		out = append(out, crypto.MustNewAddress(crypto.StakePrefix, []byte(k)))
	}
	return out, nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) types() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(seconds int64) { c.now = c.now.Add(time.Duration(seconds) * time.Second) }
