//go:build linux
// +build linux

package firewall

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/stretchr/testify/mock"
)

// MockNFTablesConn is a mock implementation of NFTablesConn for testing.
// Like the kernel, it queues mutations and applies them only when Flush
// succeeds, so tests can observe batch atomicity.
type MockNFTablesConn struct {
	mock.Mock
	mu sync.Mutex

	// Committed state
	tables map[string]*nftables.Table
	chains map[string]*nftables.Chain
	rules  map[string][]*nftables.Rule

	pending []func()
	handle  uint64
}

// NewMockNFTablesConn creates a new mock nftables connection.
func NewMockNFTablesConn() *MockNFTablesConn {
	return &MockNFTablesConn{
		tables: make(map[string]*nftables.Table),
		chains: make(map[string]*nftables.Chain),
		rules:  make(map[string][]*nftables.Rule),
	}
}

func chainKey(table, chain string) string { return table + "/" + chain }

func (m *MockNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(t)
	m.pending = append(m.pending, func() { m.tables[t.Name] = t })
	return t
}

func (m *MockNFTablesConn) DelTable(t *nftables.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(t)
	m.pending = append(m.pending, func() {
		delete(m.tables, t.Name)
		prefix := t.Name + "/"
		for key := range m.chains {
			if strings.HasPrefix(key, prefix) {
				delete(m.chains, key)
			}
		}
		for key := range m.rules {
			if strings.HasPrefix(key, prefix) {
				delete(m.rules, key)
			}
		}
	})
}

func (m *MockNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(c)
	m.pending = append(m.pending, func() { m.chains[chainKey(c.Table.Name, c.Name)] = c })
	return c
}

func (m *MockNFTablesConn) ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(family)
	if args.Get(0) != nil {
		return args.Get(0).([]*nftables.Chain), args.Error(1)
	}
	chains := make([]*nftables.Chain, 0)
	for _, c := range m.chains {
		if c.Table.Family == family {
			chains = append(chains, c)
		}
	}
	return chains, args.Error(1)
}

func (m *MockNFTablesConn) AddRule(r *nftables.Rule) *nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(r)
	m.pending = append(m.pending, func() {
		key := chainKey(r.Table.Name, r.Chain.Name)
		m.handle++
		r.Handle = m.handle
		m.rules[key] = append(m.rules[key], r)
	})
	return r
}

func (m *MockNFTablesConn) InsertRule(r *nftables.Rule) *nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(r)
	m.pending = append(m.pending, func() {
		key := chainKey(r.Table.Name, r.Chain.Name)
		m.handle++
		r.Handle = m.handle
		// Insert at beginning
		m.rules[key] = append([]*nftables.Rule{r}, m.rules[key]...)
	})
	return r
}

func (m *MockNFTablesConn) DelRule(r *nftables.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(r)
	if err := args.Error(0); err != nil {
		return err
	}
	if r.Handle == 0 {
		return errors.New("rule must have a handle")
	}
	m.pending = append(m.pending, func() {
		key := chainKey(r.Table.Name, r.Chain.Name)
		kept := m.rules[key][:0]
		for _, existing := range m.rules[key] {
			if existing.Handle != r.Handle {
				kept = append(kept, existing)
			}
		}
		m.rules[key] = kept
	})
	return nil
}

func (m *MockNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(t, c)
	if args.Get(0) != nil {
		return args.Get(0).([]*nftables.Rule), args.Error(1)
	}
	rules := m.rules[chainKey(t.Name, c.Name)]
	return append([]*nftables.Rule(nil), rules...), args.Error(1)
}

func (m *MockNFTablesConn) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called()
	pending := m.pending
	m.pending = nil
	if err := args.Error(0); err != nil {
		return err
	}
	for _, apply := range pending {
		apply()
	}
	return nil
}

// Helper methods for test assertions

// GetTableCount returns the number of committed tables.
func (m *MockNFTablesConn) GetTableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables)
}

// GetChainCount returns the number of committed chains.
func (m *MockNFTablesConn) GetChainCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}

// GetRuleCount returns the total number of committed rules.
func (m *MockNFTablesConn) GetRuleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rules := range m.rules {
		count += len(rules)
	}
	return count
}

// ChainRules returns the committed rules of one chain in evaluation order.
func (m *MockNFTablesConn) ChainRules(table, chain string) []*nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*nftables.Rule(nil), m.rules[chainKey(table, chain)]...)
}

// PendingCount returns the number of queued, uncommitted operations.
func (m *MockNFTablesConn) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
