package kernelsync

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/exec"
	fakeexec "k8s.io/utils/exec/testing"
	"k8s.io/utils/ptr"

	"github.com/pmlproject9/portset/pkg/constants"
	"github.com/pmlproject9/portset/pkg/ipset"
	"github.com/pmlproject9/portset/pkg/iptables"
	iptablestesting "github.com/pmlproject9/portset/pkg/iptables/testing"
	"github.com/pmlproject9/portset/pkg/portset"
	"github.com/pmlproject9/portset/pkg/registry"
)

type kernelSet struct {
	spec    string
	members []string
}

// kernel emulates the ipset commands the controller runs and records them.
// Sets keep the type and range they were created with.
type kernel struct {
	mu    sync.Mutex
	sets  map[string]*kernelSet
	calls []string
	stdin []string
}

// newKernel returns a kernel already holding the given sets.
func newKernel(names ...string) *kernel {
	k := &kernel{sets: map[string]*kernelSet{}}
	for _, name := range names {
		k.sets[name] = &kernelSet{spec: "bitmap:port range 1-2"}
	}
	return k
}

func (k *kernel) create(name, spec string) error {
	if s, ok := k.sets[name]; ok {
		if s.spec != spec {
			return fmt.Errorf("set %s exists with %s", name, s.spec)
		}
		return nil
	}
	k.sets[name] = &kernelSet{spec: spec}
	return nil
}

func (k *kernel) lookup(name string) (*kernelSet, error) {
	s, ok := k.sets[name]
	if !ok {
		return nil, fmt.Errorf("set %s does not exist", name)
	}
	return s, nil
}

func (k *kernel) restore(script string) error {
	for _, line := range strings.Split(strings.TrimSpace(script), "\n") {
		fields := strings.Fields(line)
		switch fields[0] {
		case "create":
			if err := k.create(fields[1], strings.Join(fields[2:], " ")); err != nil {
				return err
			}
		case "flush":
			s, err := k.lookup(fields[1])
			if err != nil {
				return err
			}
			s.members = nil
		case "add":
			s, err := k.lookup(fields[1])
			if err != nil {
				return err
			}
			s.members = append(s.members, fields[2])
		}
	}
	return nil
}

func (k *kernel) run(args []string, stdin string) ([]byte, error) {
	switch args[0] {
	case "list":
		names := make([]string, 0, len(k.sets))
		for name := range k.sets {
			names = append(names, name)
		}
		sort.Strings(names)
		return []byte(strings.Join(names, "\n")), nil
	case "create":
		spec := strings.Join(args[2:], " ")
		return nil, k.create(args[1], strings.TrimSuffix(spec, " -exist"))
	case "restore":
		return nil, k.restore(stdin)
	case "swap":
		a, err := k.lookup(args[1])
		if err != nil {
			return nil, err
		}
		b, err := k.lookup(args[2])
		if err != nil {
			return nil, err
		}
		k.sets[args[1]], k.sets[args[2]] = b, a
	case "destroy":
		if _, err := k.lookup(args[1]); err != nil {
			return nil, err
		}
		delete(k.sets, args[1])
	}
	return nil, nil
}

func (k *kernel) exec(n int) *fakeexec.FakeExec {
	fexec := &fakeexec.FakeExec{}
	for i := 0; i < n; i++ {
		fexec.CommandScript = append(fexec.CommandScript, func(cmd string, args ...string) exec.Cmd {
			fcmd := &fakeexec.FakeCmd{}
			fcmd.CombinedOutputScript = []fakeexec.FakeAction{
				func() ([]byte, []byte, error) {
					k.mu.Lock()
					defer k.mu.Unlock()
					k.calls = append(k.calls, strings.Join(args, " "))
					var stdin string
					if fcmd.Stdin != nil {
						data, _ := io.ReadAll(fcmd.Stdin)
						stdin = string(data)
						k.stdin = append(k.stdin, stdin)
					}
					out, err := k.run(args, stdin)
					return out, nil, err
				},
			}
			return fakeexec.InitFakeCmd(fcmd, cmd, args...)
		})
	}
	return fexec
}

func (k *kernel) ran() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string{}, k.calls...)
}

// set returns the spec and members of a kernel set, or nil.
func (k *kernel) set(name string) *kernelSet {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sets[name]
	if !ok {
		return nil
	}
	return &kernelSet{spec: s.spec, members: append([]string{}, s.members...)}
}

func (k *kernel) names() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	names := make([]string, 0, len(k.sets))
	for name := range k.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newController(t *testing.T, ctx context.Context, k *kernel, tables *iptablestesting.FakeTables) (*Controller, *registry.Registry) {
	t.Helper()
	reg := registry.New(portset.Options{Clock: clocktesting.NewFakeClock(time.Unix(0, 0))})
	t.Cleanup(func() { _ = reg.DestroyAll() })
	cfg := Config{
		SyncPeriod: time.Hour,
		Mark:       constants.DefaultMark,
		Protocols:  []string{"tcp"},
		PageSize:   4,
	}
	ctr := NewController(ctx, cfg, reg, ipset.NewExecutor(k.exec(200)), iptables.NewWithBasic(tables))
	return ctr, reg
}

func TestKernelSetName(t *testing.T) {
	name := KernelSetName("web")
	assert.True(t, strings.HasPrefix(name, constants.IPSetPrefix))
	assert.Less(t, len(name+constants.IPSetTempSuffix), registry.MaxNameLen)
	assert.Equal(t, name, KernelSetName("web"))
	assert.NotEqual(t, name, KernelSetName("web2"))
}

func TestFullSync(t *testing.T) {
	k := newKernel("PORTSET-STALE", "PORTSET-STALE-t", "other")
	tables := iptablestesting.NewFakeTables()
	staleRule := iptables.MatchSetRule("PORTSET-STALE", "tcp", constants.DefaultMark)
	tables.Chains[constants.IPTablesMangle+"/"+constants.IPTablesChainPORTSETMARK] = []string{strings.Join(staleRule, " ")}

	ctr, reg := newController(t, context.Background(), k, tables)
	req := &portset.CreateRequest{Port: ptr.To[uint16](1000), PortTo: ptr.To[uint16](1010)}
	_, _, err := reg.Create("web", req, false)
	require.NoError(t, err)
	for _, p := range []uint16{1001, 1003, 1005, 1007, 1009} {
		_, err := reg.Uadt("web", portset.ADTAdd, &portset.ADTRequest{Port: ptr.To(p)}, 0)
		require.NoError(t, err)
	}

	ctr.fullSync()

	web := KernelSetName("web")
	assert.Equal(t, []string{
		"list -n",
		"create " + web + " bitmap:port range 1000-1010 -exist",
		"restore -exist",
		"swap " + web + "-t " + web,
		"destroy " + web + "-t",
		"list -n",
		"destroy PORTSET-STALE",
		"destroy PORTSET-STALE-t",
	}, k.ran())

	require.Len(t, k.stdin, 1)
	lines := strings.Split(strings.TrimSpace(k.stdin[0]), "\n")
	assert.Equal(t, "flush "+web+"-t", lines[1])
	assert.Equal(t, []string{
		"add " + web + "-t 1001",
		"add " + web + "-t 1003",
		"add " + web + "-t 1005",
		"add " + web + "-t 1007",
		"add " + web + "-t 1009",
	}, lines[2:])

	assert.Equal(t, []string{strings.Join(iptables.MatchSetRule(web, "tcp", constants.DefaultMark), " ")},
		tables.Rules(constants.IPTablesMangle, constants.IPTablesChainPORTSETMARK))
	assert.Equal(t, []string{web, "other"}, k.names())
	assert.Equal(t, []string{"1001", "1003", "1005", "1007", "1009"}, k.set(web).members)
	prerouting := tables.Rules(constants.IPTablesMangle, constants.IPTablesChainPrerouting)
	require.Len(t, prerouting, 1)
	assert.Contains(t, prerouting[0], "-j "+constants.IPTablesChainPORTSETMARK)
}

func TestFullSyncTimeout(t *testing.T) {
	k := newKernel()
	ctr, reg := newController(t, context.Background(), k, iptablestesting.NewFakeTables())
	req := &portset.CreateRequest{Port: ptr.To[uint16](22), PortTo: ptr.To[uint16](23), Timeout: ptr.To[uint32](60)}
	_, _, err := reg.Create("knock", req, false)
	require.NoError(t, err)
	_, err = reg.Uadt("knock", portset.ADTAdd, &portset.ADTRequest{Port: ptr.To[uint16](22), Timeout: ptr.To[uint32](0)}, 0)
	require.NoError(t, err)
	_, err = reg.Uadt("knock", portset.ADTAdd, &portset.ADTRequest{Port: ptr.To[uint16](23)}, 0)
	require.NoError(t, err)

	ctr.fullSync()

	name := KernelSetName("knock")
	assert.Equal(t, "create "+name+" bitmap:port range 22-23 timeout 60 -exist", k.ran()[1])
	require.Len(t, k.stdin, 1)
	assert.Contains(t, k.stdin[0], "add "+name+"-t 22 timeout 0\n")
	assert.Contains(t, k.stdin[0], "add "+name+"-t 23 timeout 60\n")
}

func TestFullSyncRecreatedSet(t *testing.T) {
	k := newKernel()
	ctr, reg := newController(t, context.Background(), k, iptablestesting.NewFakeTables())
	web := KernelSetName("web")

	_, _, err := reg.Create("web", &portset.CreateRequest{Port: ptr.To[uint16](1000), PortTo: ptr.To[uint16](1010)}, false)
	require.NoError(t, err)
	_, err = reg.Uadt("web", portset.ADTAdd, &portset.ADTRequest{Port: ptr.To[uint16](1001)}, 0)
	require.NoError(t, err)
	ctr.fullSync()
	require.NotNil(t, k.set(web))
	assert.Equal(t, "bitmap:port range 1000-1010", k.set(web).spec)

	// Same name, new range: the kernel set takes the new range without
	// being destroyed first.
	require.NoError(t, reg.Destroy("web"))
	_, _, err = reg.Create("web", &portset.CreateRequest{Port: ptr.To[uint16](2000), PortTo: ptr.To[uint16](3000)}, false)
	require.NoError(t, err)
	_, err = reg.Uadt("web", portset.ADTAdd, &portset.ADTRequest{Port: ptr.To[uint16](2500)}, 0)
	require.NoError(t, err)
	ctr.fullSync()

	assert.Equal(t, &kernelSet{spec: "bitmap:port range 2000-3000", members: []string{"2500"}}, k.set(web))
	assert.Equal(t, []string{web}, k.names())
	assert.NotContains(t, k.ran(), "destroy "+web)
}

func TestFullSyncLeftoverTempSet(t *testing.T) {
	web := KernelSetName("web")
	k := newKernel(web + constants.IPSetTempSuffix)
	ctr, reg := newController(t, context.Background(), k, iptablestesting.NewFakeTables())

	_, _, err := reg.Create("web", &portset.CreateRequest{Port: ptr.To[uint16](1000), PortTo: ptr.To[uint16](1010)}, false)
	require.NoError(t, err)
	ctr.fullSync()

	assert.Equal(t, []string{web}, k.names())
	assert.Equal(t, "bitmap:port range 1000-1010", k.set(web).spec)
}

func TestRunSyncsOnChange(t *testing.T) {
	k := newKernel("other")
	ctx, cancel := context.WithCancel(context.Background())
	tables := iptablestesting.NewFakeTables()
	ctr, reg := newController(t, ctx, k, tables)

	var wg sync.WaitGroup
	wg.Add(1)
	go ctr.Run(&wg)

	req := &portset.CreateRequest{Port: ptr.To[uint16](80), PortTo: ptr.To[uint16](81)}
	_, _, err := reg.Create("web", req, false)
	require.NoError(t, err)

	create := "create " + KernelSetName("web") + " bitmap:port range 80-81 -exist"
	require.Eventually(t, func() bool {
		for _, c := range k.ran() {
			if c == create {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	// Stopping removes what the controller installed and nothing else.
	assert.Equal(t, []string{"other"}, k.names())
	exist, err := tables.ChainExists(constants.IPTablesMangle, constants.IPTablesChainPORTSETMARK)
	require.NoError(t, err)
	assert.False(t, exist)
	assert.Empty(t, tables.Rules(constants.IPTablesMangle, constants.IPTablesChainPrerouting))

	ctr.fullSync()
	assert.Equal(t, []string{"other"}, k.names())
}
