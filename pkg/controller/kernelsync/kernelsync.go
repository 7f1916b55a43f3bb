// Package kernelsync mirrors the sets of a registry into kernel bitmap:port
// ipsets and marks the packets whose destination port they contain.
package kernelsync

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/pmlproject9/portset/pkg/constants"
	"github.com/pmlproject9/portset/pkg/ipset"
	"github.com/pmlproject9/portset/pkg/iptables"
	"github.com/pmlproject9/portset/pkg/registry"
)

type Config struct {
	SyncPeriod time.Duration
	Mark       string
	Protocols  []string
	PageSize   int
}

type Controller struct {
	ctx      context.Context
	config   Config
	registry *registry.Registry

	syncChan chan struct{}

	iptablesRunner *iptables.Executor
	ipsetRunner    *ipset.Executor
	syncMutex      sync.Mutex

	// kernel sets created by this controller, guarded by syncMutex
	synced  sets.Set[string]
	stopped bool
}

func NewController(ctx context.Context, config Config, reg *registry.Registry,
	ipsetRunner *ipset.Executor, iptablesRunner *iptables.Executor) *Controller {
	c := &Controller{
		ctx:            ctx,
		config:         config,
		registry:       reg,
		syncChan:       make(chan struct{}, 1),
		iptablesRunner: iptablesRunner,
		ipsetRunner:    ipsetRunner,
		synced:         sets.New[string](),
	}
	reg.OnChange(func(name string) {
		klog.V(4).Infof("set %s changed", name)
		c.SendSyncChan()
	})
	return c
}

// KernelSetName derives the kernel set name of a registry set. Kernel names
// are limited to 31 bytes, so the name is hashed.
func KernelSetName(name string) string {
	hash := sha256.Sum256([]byte(name))
	encoded := base32.StdEncoding.EncodeToString(hash[:])
	return constants.IPSetPrefix + encoded[:16]
}

// Run syncs every period and whenever the registry changes, until the
// context is done. It then removes the mark chain and the kernel sets it
// created.
func (ctr *Controller) Run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer utilruntime.HandleCrash()

	klog.Info("starting kernel set sync controller")
	wg.Add(1)
	go ctr.syncOnChange(wg)

	wait.Until(ctr.fullSync, ctr.config.SyncPeriod, ctr.ctx.Done())
	klog.V(4).Info("shutting down the periodic kernel sync")
	ctr.teardown()
}

func (ctr *Controller) SendSyncChan() {
	select {
	case ctr.syncChan <- struct{}{}:
		klog.V(4).Infof("send a message to sync kernel sets")
	default:
		klog.V(5).Infof("syncChan is full, so skip")
	}
}

func (ctr *Controller) syncOnChange(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctr.syncChan:
			if ctr.ctx.Err() != nil {
				return
			}
			ctr.fullSync()
		case <-ctr.ctx.Done():
			klog.V(4).Info("shutting down the kernel sync goroutine")
			return
		}
	}
}

func (ctr *Controller) fullSync() {
	ctr.syncMutex.Lock()
	defer ctr.syncMutex.Unlock()
	if ctr.stopped {
		return
	}

	ctr.ensureDefaultIPtables()

	active := sets.New[string]()
	for _, name := range ctr.registry.Names() {
		kernelName := KernelSetName(name)
		if err := ctr.syncSet(name, kernelName); err != nil {
			klog.Errorf("error to sync set %s to kernel set %s: %v", name, kernelName, err)
		} else {
			ctr.synced.Insert(kernelName)
		}
		active.Insert(kernelName)
	}
	ctr.cleanUpStaleIptablesAndIPSet(active)
}

func (ctr *Controller) ensureDefaultIPtables() {
	err := ctr.iptablesRunner.CreateChainIfNotExist(constants.IPTablesMangle, constants.IPTablesChainPORTSETMARK)
	if err != nil {
		klog.Errorf("error to create iptables chain %s: %v", constants.IPTablesChainPORTSETMARK, err)
		return
	}
	jump := jumpRule()
	if err = ctr.iptablesRunner.InsertUnique(constants.IPTablesMangle, constants.IPTablesChainPrerouting, 1, jump); err != nil {
		klog.Errorf("error to insert iptables chain %s rule %s : %v", constants.IPTablesChainPrerouting, strings.Join(jump, " "), err)
	}
}

func jumpRule() []string {
	return []string{"-m", "comment", "--comment", constants.IPTablesPORTSETJumpComment, "-j", constants.IPTablesChainPORTSETMARK}
}

func (ctr *Controller) syncSet(name, kernelName string) error {
	s, release, err := ctr.registry.Ref(name)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	members, err := s.Members(ctr.config.PageSize)
	if err != nil {
		return err
	}
	if err := ctr.ipsetRunner.ReFlush(ipset.New(kernelName, s.Descriptor()), ipset.EntriesFromMembers(members)); err != nil {
		return err
	}
	for _, proto := range ctr.config.Protocols {
		rule := iptables.MatchSetRule(kernelName, proto, ctr.config.Mark)
		if err := ctr.iptablesRunner.AppendUnique(constants.IPTablesMangle, constants.IPTablesChainPORTSETMARK, rule); err != nil {
			return err
		}
	}
	klog.V(4).Infof("synced %d members of set %s to %s", len(members), name, kernelName)
	return nil
}

func (ctr *Controller) cleanUpStaleIptablesAndIPSet(active sets.Set[string]) {
	kernelSets, err := ctr.ipsetRunner.ListIPSets()
	if err != nil {
		klog.Errorf("error to list kernel sets: %v", err)
		return
	}
	for _, name := range kernelSets {
		if !strings.HasPrefix(name, constants.IPSetPrefix) || active.Has(name) {
			continue
		}
		if !strings.HasSuffix(name, constants.IPSetTempSuffix) {
			for _, proto := range ctr.config.Protocols {
				rule := iptables.MatchSetRule(name, proto, ctr.config.Mark)
				if err := ctr.iptablesRunner.DeleteIfExist(constants.IPTablesMangle, constants.IPTablesChainPORTSETMARK, rule); err != nil {
					klog.Errorf("error to delete rule of stale set %s: %v", name, err)
				}
			}
		}
		if err := ctr.ipsetRunner.Destroy(name); err != nil {
			klog.Errorf("error to destroy stale set %s: %v", name, err)
			continue
		}
		ctr.synced.Delete(name)
		klog.V(2).Infof("destroyed stale kernel set %s", name)
	}
}

// teardown unhooks the mark chain and destroys the kernel sets this controller
// created. Later syncs are no-ops.
func (ctr *Controller) teardown() {
	ctr.syncMutex.Lock()
	defer ctr.syncMutex.Unlock()
	ctr.stopped = true

	err := ctr.iptablesRunner.DeleteIfExist(constants.IPTablesMangle, constants.IPTablesChainPrerouting, jumpRule())
	if err != nil {
		klog.Errorf("error to delete jump to chain %s: %v", constants.IPTablesChainPORTSETMARK, err)
	}
	exist, err := ctr.iptablesRunner.ChainExists(constants.IPTablesMangle, constants.IPTablesChainPORTSETMARK)
	if err != nil {
		klog.Errorf("error to check chain %s: %v", constants.IPTablesChainPORTSETMARK, err)
	} else if exist {
		if err := ctr.iptablesRunner.DeleteChainDirect(constants.IPTablesMangle, constants.IPTablesChainPORTSETMARK); err != nil {
			// the sets are still referenced by the chain
			klog.Errorf("error to remove chain %s, keeping kernel sets: %v", constants.IPTablesChainPORTSETMARK, err)
			return
		}
	}

	for _, name := range ctr.synced.UnsortedList() {
		for _, n := range []string{name, name + constants.IPSetTempSuffix} {
			if err := ctr.ipsetRunner.DestroyIfExist(n); err != nil {
				klog.Errorf("error to destroy kernel set %s: %v", n, err)
			}
		}
		ctr.synced.Delete(name)
	}
	klog.V(2).Info("removed kernel sets and mark chain")
}
