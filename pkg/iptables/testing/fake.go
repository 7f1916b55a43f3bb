// Package testing provides an in-memory iptables for tests.
package testing

import (
	"fmt"
	"strings"
	"sync"
)

// FakeTables is an in-memory iptables keeping rules per chain the way
// `iptables -S` prints them.
type FakeTables struct {
	mu     sync.Mutex
	Chains map[string][]string
}

// NewFakeTables returns tables holding the given empty chains, each named
// "table/chain".
func NewFakeTables(chains ...string) *FakeTables {
	f := &FakeTables{Chains: map[string][]string{}}
	for _, c := range chains {
		f.Chains[c] = nil
	}
	return f
}

// Rules returns the rules of a chain.
func (f *FakeTables) Rules(table, chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.Chains[f.key(table, chain)]...)
}

func (f *FakeTables) key(table, chain string) string { return table + "/" + chain }

func (f *FakeTables) Append(table, chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(table, chain)
	f.Chains[k] = append(f.Chains[k], strings.Join(rulespec, " "))
	return nil
}

func (f *FakeTables) Delete(table, chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, r := f.key(table, chain), strings.Join(rulespec, " ")
	for i, rule := range f.Chains[k] {
		if rule == r {
			f.Chains[k] = append(f.Chains[k][:i], f.Chains[k][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %q not found", r)
}

func (f *FakeTables) Insert(table, chain string, pos int, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(table, chain)
	rules := append([]string{}, f.Chains[k][:pos-1]...)
	rules = append(rules, strings.Join(rulespec, " "))
	f.Chains[k] = append(rules, f.Chains[k][pos-1:]...)
	return nil
}

func (f *FakeTables) List(table, chain string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{"-N " + chain}
	for _, r := range f.Chains[f.key(table, chain)] {
		out = append(out, "-A "+chain+" "+r)
	}
	return out, nil
}

func (f *FakeTables) NewChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Chains[f.key(table, chain)] = nil
	return nil
}

func (f *FakeTables) ChainExists(table, chain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Chains[f.key(table, chain)]
	return ok, nil
}

func (f *FakeTables) ClearChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Chains[f.key(table, chain)] = nil
	return nil
}

func (f *FakeTables) DeleteChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Chains, f.key(table, chain))
	return nil
}
