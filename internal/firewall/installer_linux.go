//go:build linux
// +build linux

package firewall

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"

	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/install"
	"grimm.is/leakshield/internal/logging"
)

// Dialer opens a fresh nftables connection for one transaction.
type Dialer func() (NFTablesConn, error)

// Installer is the nftables classification engine. It implements
// install.Installer and install.Lister.
type Installer struct {
	table  string
	dial   Dialer
	logger *logging.Logger

	mu   sync.Mutex
	open bool
}

// NewInstaller creates an installer that owns the inet table named table.
func NewInstaller(table string, logger *logging.Logger) *Installer {
	return NewInstallerWithDialer(table, logger, func() (NFTablesConn, error) {
		conn, err := nftables.New()
		if err != nil {
			return nil, err
		}
		return NewRealNFTablesConn(conn), nil
	})
}

// NewInstallerWithDialer creates an installer using dial for connections.
func NewInstallerWithDialer(table string, logger *logging.Logger, dial Dialer) *Installer {
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}
	return &Installer{table: table, dial: dial, logger: logger}
}

// Table returns the name of the owned table.
func (i *Installer) Table() string { return i.table }

// Begin opens a transaction. Provisioning of the table and its chains is
// queued in the same batch as the filters, so a first apply is atomic too.
func (i *Installer) Begin(ctx context.Context) (install.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &install.InstallError{Op: "begin", Err: err}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.open {
		return nil, &install.InstallError{Op: "begin", Err: install.ErrBusy}
	}

	conn, err := i.dial()
	if err != nil {
		return nil, &install.InstallError{Op: "begin", Err: fmt.Errorf("%w: open nftables: %v", install.ErrRejected, err)}
	}

	tx := &transaction{
		owner:    i,
		conn:     conn,
		table:    &nftables.Table{Name: i.table, Family: nftables.TableFamilyINet},
		chains:   make(map[string]*nftables.Chain),
		existing: make(map[filter.ID][]*nftables.Rule),
		added:    make(map[filter.ID]bool),
		dropped:  make(map[filter.ID]bool),
	}
	if err := tx.prepare(); err != nil {
		return nil, &install.InstallError{Op: "begin", Err: fmt.Errorf("%w: %v", install.ErrRejected, err)}
	}
	i.open = true
	return tx, nil
}

// Active returns the identities of every filter found in the owned table.
func (i *Installer) Active(ctx context.Context) ([]filter.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := i.dial()
	if err != nil {
		return nil, fmt.Errorf("open nftables: %w", err)
	}
	table := &nftables.Table{Name: i.table, Family: nftables.TableFamilyINet}
	chains, complete, err := ownedChains(conn, table)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, nil
	}
	index, err := indexRules(conn, table, chains)
	if err != nil {
		return nil, err
	}
	ids := make([]filter.ID, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a].String() < ids[b].String() })
	return ids, nil
}

func (i *Installer) release() {
	i.mu.Lock()
	i.open = false
	i.mu.Unlock()
}

type transaction struct {
	owner  *Installer
	conn   NFTablesConn
	table  *nftables.Table
	chains map[string]*nftables.Chain

	existing map[filter.ID][]*nftables.Rule // committed rules by identity
	added    map[filter.ID]bool
	dropped  map[filter.ID]bool
	rules    int
	done     bool
}

// chainNames lists every chain of the layout, hook chains first.
func chainNames() []string {
	names := []string{chainOutput, chainInput}
	for _, hook := range []string{chainOutput, chainInput} {
		for _, w := range filter.Weights {
			names = append(names, weightChain(hook, w))
		}
	}
	return names
}

// ownedChains returns the chains of table keyed by name, and whether the
// full layout is present.
func ownedChains(conn NFTablesConn, table *nftables.Table) (map[string]*nftables.Chain, bool, error) {
	all, err := conn.ListChainsOfTableFamily(table.Family)
	if err != nil {
		return nil, false, fmt.Errorf("list chains: %w", err)
	}
	chains := make(map[string]*nftables.Chain)
	for _, c := range all {
		if c.Table != nil && c.Table.Name == table.Name {
			chains[c.Name] = c
		}
	}
	for _, name := range chainNames() {
		if _, ok := chains[name]; !ok {
			return chains, false, nil
		}
	}
	return chains, true, nil
}

// indexRules maps identities to their kernel rules across the weight chains.
func indexRules(conn NFTablesConn, table *nftables.Table, chains map[string]*nftables.Chain) (map[filter.ID][]*nftables.Rule, error) {
	index := make(map[filter.ID][]*nftables.Rule)
	for _, hook := range []string{chainOutput, chainInput} {
		for _, w := range filter.Weights {
			chain := chains[weightChain(hook, w)]
			rules, err := conn.GetRules(table, chain)
			if err != nil {
				return nil, fmt.Errorf("list rules of %s: %w", chain.Name, err)
			}
			for _, r := range rules {
				comment, ok := userdata.GetString(r.UserData, userdata.TypeComment)
				if !ok {
					continue
				}
				if id, ok := ParseIdentityComment(comment); ok {
					index[id] = append(index[id], r)
				}
			}
		}
	}
	return index, nil
}

func (t *transaction) prepare() error {
	chains, complete, err := ownedChains(t.conn, t.table)
	if err != nil {
		return err
	}
	switch {
	case complete:
		t.chains = chains
		t.existing, err = indexRules(t.conn, t.table, chains)
		return err
	case len(chains) > 0:
		// A partial layout cannot be trusted; rebuild it in this batch.
		t.owner.logger.Warn("Owned table is incomplete, recreating", "table", t.table.Name, "chains", len(chains))
		t.conn.DelTable(t.table)
	}
	t.provision()
	return nil
}

func (t *transaction) provision() {
	t.conn.AddTable(t.table)
	hooks := []struct {
		name string
		hook *nftables.ChainHook
	}{
		{chainOutput, nftables.ChainHookOutput},
		{chainInput, nftables.ChainHookInput},
	}
	for _, h := range hooks {
		policy := nftables.ChainPolicyAccept
		base := t.conn.AddChain(&nftables.Chain{
			Name:     h.name,
			Table:    t.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  h.hook,
			Priority: nftables.ChainPriorityFilter,
			Policy:   &policy,
		})
		t.chains[h.name] = base
		for _, w := range filter.Weights {
			name := weightChain(h.name, w)
			t.chains[name] = t.conn.AddChain(&nftables.Chain{Name: name, Table: t.table})
			t.conn.AddRule(&nftables.Rule{
				Table: t.table,
				Chain: base,
				Exprs: []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: name}},
			})
		}
	}
}

func (t *transaction) Add(spec filter.Spec) error {
	id := spec.ID()
	if t.done {
		return &install.InstallError{Op: "add", ID: id, Err: install.ErrTransactionDone}
	}
	if t.added[id] {
		return &install.InstallError{Op: "add", ID: id, Err: install.ErrDuplicate}
	}

	exprs, err := buildRuleExprs(spec)
	if err != nil {
		return &install.InstallError{Op: "add", ID: id, Err: fmt.Errorf("%w: %v", install.ErrRejected, err)}
	}
	chain, ok := t.chains[weightChain(hookChain(spec.Layer()), spec.Weight())]
	if !ok {
		return &install.InstallError{Op: "add", ID: id, Err: fmt.Errorf("%w: no chain for %s/%s", install.ErrRejected, spec.Layer(), spec.Weight())}
	}
	if err := t.drop(id); err != nil {
		return &install.InstallError{Op: "add", ID: id, Err: err}
	}

	comment := userdata.AppendString(nil, userdata.TypeComment, BuildIdentityComment(spec))
	for _, e := range exprs {
		rule := &nftables.Rule{Table: t.table, Chain: chain, Exprs: e, UserData: comment}
		if spec.Action() == filter.Permit {
			t.conn.InsertRule(rule)
		} else {
			t.conn.AddRule(rule)
		}
		t.rules++
	}
	t.added[id] = true
	return nil
}

func (t *transaction) Remove(id filter.ID) error {
	if t.done {
		return &install.InstallError{Op: "remove", ID: id, Err: install.ErrTransactionDone}
	}
	if t.added[id] {
		return &install.InstallError{Op: "remove", ID: id, Err: fmt.Errorf("%w: filter was added in this transaction", install.ErrRejected)}
	}
	if err := t.drop(id); err != nil {
		return &install.InstallError{Op: "remove", ID: id, Err: err}
	}
	return nil
}

// drop queues deletion of the committed rules of id, once.
func (t *transaction) drop(id filter.ID) error {
	if t.dropped[id] {
		return nil
	}
	for _, r := range t.existing[id] {
		if err := t.conn.DelRule(r); err != nil {
			return fmt.Errorf("%w: delete rule %d: %v", install.ErrRejected, r.Handle, err)
		}
	}
	t.dropped[id] = true
	return nil
}

func (t *transaction) Commit() error {
	if t.done {
		return &install.InstallError{Op: "commit", Err: install.ErrTransactionDone}
	}
	t.done = true
	defer t.owner.release()

	if err := t.conn.Flush(); err != nil {
		return &install.InstallError{Op: "commit", Err: fmt.Errorf("%w: %v", install.ErrRejected, err)}
	}
	t.owner.logger.Debug("Committed nftables batch", "table", t.table.Name, "filters", len(t.added), "rules", t.rules)
	return nil
}

func (t *transaction) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.owner.release()
}
