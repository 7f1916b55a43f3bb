package ipset

import (
	"bytes"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"github.com/pmlproject9/portset/pkg/constants"
)

var IPSetCmd = "ipset"

type Executor struct {
	exec utilexec.Interface
}

func NewExecutor(exec utilexec.Interface) *Executor {
	return &Executor{
		exec: exec,
	}
}

func (e *Executor) run(args []string, errFormat string) (string, error) {
	out, err := e.exec.Command(IPSetCmd, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s:%w (%s)", errFormat, err, out)
	}
	return string(out), nil
}

func (e *Executor) Create(ipset *IPSet) error {
	args := append(ipset.createArgs(), "-exist")
	_, err := e.run(args, fmt.Sprintf("error creating ipset %s", ipset.Name))
	return err
}

func (e *Executor) Destroy(name string) error {
	args := []string{"destroy", name}
	_, err := e.run(args, fmt.Sprintf("error destroy ipset:%s", name))
	return err
}

func (e *Executor) DestroyIfExist(name string) error {
	ipsets, err := e.ListIPSets()
	if err != nil {
		return err
	}
	for _, ipset := range ipsets {
		if ipset == name {
			return e.Destroy(name)
		}
	}
	return nil
}

func (e *Executor) ListIPSets() ([]string, error) {
	args := []string{"list", "-n"}
	out, err := e.run(args, "error list ipset")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// Restore feeds lines to `ipset restore` in a single command.
func (e *Executor) Restore(lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	cmd := e.exec.Command(IPSetCmd, "restore", "-exist")
	cmd.SetStdin(&buf)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("error restore ipset:%w (%s)", err, out)
	}
	return nil
}

// ReFlush replaces the content of s with entries. The new content is loaded
// into a temporary set which is then swapped in, so the kernel set never
// appears empty. The swap also installs the range and timeout of s when the
// live set was created with others.
func (e *Executor) ReFlush(s *IPSet, entries []Entry) error {
	tempName := s.Name + constants.IPSetTempSuffix
	tmp := *s
	tmp.Name = tempName

	names, err := e.ListIPSets()
	if err != nil {
		return err
	}
	existing := sets.New(names...)
	if existing.Has(tempName) {
		// a leftover of an interrupted reflush may have another range
		if err := e.Destroy(tempName); err != nil {
			return err
		}
	}
	if !existing.Has(s.Name) {
		if err := e.Create(s); err != nil {
			klog.Errorf("error to create ipset %s (%v)", s.Name, err)
			return err
		}
	}

	lines := make([]string, 0, len(entries)+2)
	lines = append(lines, strings.Join(tmp.createArgs(), " "), "flush "+tempName)
	for _, entry := range entries {
		lines = append(lines, strings.Join(append([]string{"add", tempName}, entry.args()...), " "))
	}
	err = e.Restore(lines)
	if err != nil {
		klog.Errorf("error loading %d entries into set: %s (%v)", len(entries), tempName, err)
		return err
	}
	err = e.Swap(tempName, s.Name)
	if err != nil {
		return err
	}
	return e.Destroy(tempName)
}

func (e *Executor) Swap(from string, to string) error {
	args := []string{"swap", from, to}
	_, err := e.run(args, fmt.Sprintf("error swap %s %s", from, to))
	return err
}

func nonEmptyLines(out string) []string {
	lines := make([]string, 0)
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
