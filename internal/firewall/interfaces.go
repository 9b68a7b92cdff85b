//go:build linux
// +build linux

package firewall

import (
	"github.com/google/nftables"
)

// NFTablesConn abstracts the nftables.Conn operations the installer uses.
// Mutations are queued and only reach the kernel on Flush.
type NFTablesConn interface {
	// Table operations
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)

	// Chain operations
	AddChain(c *nftables.Chain) *nftables.Chain
	ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error)

	// Rule operations
	AddRule(r *nftables.Rule) *nftables.Rule
	InsertRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)

	// Commit changes
	Flush() error
}

// RealNFTablesConn wraps the actual nftables.Conn.
type RealNFTablesConn struct {
	conn *nftables.Conn
}

// NewRealNFTablesConn creates a new RealNFTablesConn wrapping an nftables.Conn.
func NewRealNFTablesConn(conn *nftables.Conn) *RealNFTablesConn {
	return &RealNFTablesConn{conn: conn}
}

func (r *RealNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	return r.conn.AddTable(t)
}

func (r *RealNFTablesConn) DelTable(t *nftables.Table) {
	r.conn.DelTable(t)
}

func (r *RealNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	return r.conn.AddChain(c)
}

func (r *RealNFTablesConn) ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error) {
	return r.conn.ListChainsOfTableFamily(family)
}

func (r *RealNFTablesConn) AddRule(rule *nftables.Rule) *nftables.Rule {
	return r.conn.AddRule(rule)
}

func (r *RealNFTablesConn) InsertRule(rule *nftables.Rule) *nftables.Rule {
	return r.conn.InsertRule(rule)
}

func (r *RealNFTablesConn) DelRule(rule *nftables.Rule) error {
	return r.conn.DelRule(rule)
}

func (r *RealNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	return r.conn.GetRules(t, c)
}

func (r *RealNFTablesConn) Flush() error {
	return r.conn.Flush()
}
