package iptables

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type Basic interface {
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	List(table, chain string) ([]string, error)
	NewChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
}

type Executor struct {
	Basic
}

func New() (*Executor, error) {
	ipts, err := iptables.New()
	if err != nil {
		return nil, err
	}
	return NewWithBasic(ipts), nil
}

// NewWithBasic wraps an existing iptables handle.
func NewWithBasic(b Basic) *Executor {
	return &Executor{b}
}

// MatchSetRule returns the rule spec marking packets whose destination port
// is in the kernel set named setName.
func MatchSetRule(setName, protocol, mark string) []string {
	return []string{
		"-p", protocol,
		"-m", "comment", "--comment", "portset:" + setName,
		"-m", "set", "--match-set", setName, "dst",
		"-j", "MARK", "--set-xmark", mark + "/" + mark,
	}
}

func (e *Executor) CreateChainIfNotExist(table string, chain string) error {
	exist, err := e.ChainExists(table, chain)
	if err != nil {
		return err
	}
	if exist {
		return nil
	}
	return e.NewChain(table, chain)
}

// countRule returns how often ruleSpec appears in chain and whether one of
// them sits at pos, counted from 1.
func (e *Executor) countRule(table, chain string, pos int, ruleSpec []string) (int, bool, error) {
	existRules, err := e.List(table, chain)
	if err != nil {
		klog.Errorf("error to list table %s chain %s", table, chain)
		return 0, false, errors.Wrap(err, "error to list chain rule")
	}
	ruleSpecString := strings.Join(ruleSpec, " ")
	count, atPos := 0, false
	// The first listed rule is the chain policy, so indexes match positions.
	for index, rule := range existRules {
		if strings.Contains(strings.ReplaceAll(rule, "\"", ""), ruleSpecString) {
			count++
			if index == pos {
				atPos = true
			}
		}
	}
	return count, atPos, nil
}

func (e *Executor) InsertUnique(table string, chain string, pos int, ruleSpec []string) error {
	count, atPos, err := e.countRule(table, chain, pos, ruleSpec)
	if err != nil {
		return err
	}
	if atPos && count == 1 {
		return nil
	}
	if err := e.deleteAll(table, chain, count, ruleSpec); err != nil {
		return err
	}
	return errors.Wrap(e.Insert(table, chain, pos, ruleSpec...), "error to insert rule")
}

// AppendUnique appends ruleSpec to chain unless it is already present.
func (e *Executor) AppendUnique(table string, chain string, ruleSpec []string) error {
	count, _, err := e.countRule(table, chain, -1, ruleSpec)
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}
	if err := e.deleteAll(table, chain, count, ruleSpec); err != nil {
		return err
	}
	return errors.Wrap(e.Append(table, chain, ruleSpec...), "error to append rule")
}

// DeleteIfExist removes every copy of ruleSpec from chain.
func (e *Executor) DeleteIfExist(table string, chain string, ruleSpec []string) error {
	count, _, err := e.countRule(table, chain, -1, ruleSpec)
	if err != nil {
		return err
	}
	return e.deleteAll(table, chain, count, ruleSpec)
}

func (e *Executor) deleteAll(table, chain string, count int, ruleSpec []string) error {
	for i := 0; i < count; i++ {
		if err := e.Delete(table, chain, ruleSpec...); err != nil {
			klog.Errorf("error to delete iptables rule %s from chain %s table %s: %v", strings.Join(ruleSpec, " "), chain, table, err)
			return errors.Wrap(err, "error to delete rule")
		}
	}
	return nil
}

func (e *Executor) DeleteChainDirect(table string, chain string) error {
	err := e.ClearChain(table, chain)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("error to clear chain %s", chain))
	}
	err = e.DeleteChain(table, chain)
	return errors.Wrap(err, fmt.Sprintf("error to delete chain %s", chain))
}
