package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/frobware/go-reuseport/bpffs"
	"github.com/frobware/go-reuseport/kernel"
)

// StatusCmd prints pinned dispatchers.
type StatusCmd struct {
	OutputFlags
	Name string `arg:"" optional:"" help:"Dispatcher name; all when omitted."`
}

// DispatcherStatus is one entry of the status output.
type DispatcherStatus struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
	// Error is set when the dispatcher could not be read, for
	// example because its pins are incomplete.
	Error string `json:"error,omitempty"`
	*kernel.Status
}

// Run executes the status command.
func (c *StatusCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return err
	}

	var found []bpffs.Dispatcher
	if c.Name != "" {
		dir, err := dirs.PinDir(c.Name)
		if err != nil {
			return err
		}
		found = append(found, bpffs.Dispatcher{Name: c.Name, Dir: dir, Complete: true})
	} else {
		for d, err := range dirs.Scanner().Dispatchers(ctx) {
			if err != nil {
				return err
			}
			found = append(found, d)
		}
	}

	statuses := make([]DispatcherStatus, 0, len(found))
	for _, d := range found {
		statuses = append(statuses, readStatus(d))
	}
	out, err := FormatStatus(statuses, c.Output)
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}

func readStatus(d bpffs.Dispatcher) DispatcherStatus {
	ds := DispatcherStatus{Name: d.Name, Dir: d.Dir}
	if !d.Complete {
		ds.Error = "incomplete pins"
		return ds
	}
	p, err := kernel.OpenPinned(d.Dir)
	if err != nil {
		ds.Error = err.Error()
		return ds
	}
	defer p.Close()
	st, err := p.Status()
	if err != nil {
		ds.Error = err.Error()
		return ds
	}
	ds.Status = &st
	return ds
}

// FormatStatus renders statuses in the requested format.
func FormatStatus(statuses []DispatcherStatus, format OutputFormat) (string, error) {
	if format == OutputFormatJSON {
		b, err := json.MarshalIndent(statuses, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal status: %w", err)
		}
		return string(b) + "\n", nil
	}
	if len(statuses) == 0 {
		return "No dispatchers found\n", nil
	}

	var b strings.Builder
	for i, ds := range statuses {
		if i > 0 {
			b.WriteString("\n")
		}
		formatStatusTable(&b, ds)
	}
	return b.String(), nil
}

func formatStatusTable(b *strings.Builder, ds DispatcherStatus) {
	fmt.Fprintf(b, "DISPATCHER  %s\n", ds.Name)
	fmt.Fprintf(b, "  pins      %s\n", ds.Dir)
	if ds.Status == nil {
		fmt.Fprintf(b, "  error     %s\n", ds.Error)
		return
	}
	st := ds.Status
	fmt.Fprintf(b, "  policy    %s\n", st.Variant)
	fmt.Fprintf(b, "  replicas  %d/%d\n", st.ReplicaCount, st.MaxSlots)
	fmt.Fprintf(b, "  slots     %s\n", formatSlots(st.Populated))

	var total uint64
	for _, c := range st.Counters {
		total += uint64(c)
	}
	fmt.Fprintf(b, "  counters  %d across %d CPUs\n", total, len(st.Counters))

	b.WriteString("\n  MAPS\n")
	fmt.Fprintf(b, "  %-6s %-10s %-20s %-6s %-8s %s\n", "ID", "NAME", "TYPE", "KEYS", "VALUES", "MAX")
	for _, m := range st.Maps {
		fmt.Fprintf(b, "  %-6d %-10s %-20s %-6d %-8d %d\n",
			m.ID, m.Name, m.MapType, m.KeySize, m.ValueSize, m.MaxEntries)
	}
}

// formatSlots compresses indices into ranges: 0-3,5.
func formatSlots(idx []uint32) string {
	if len(idx) == 0 {
		return "(none)"
	}
	var parts []string
	start, prev := idx[0], idx[0]
	flush := func() {
		if start == prev {
			parts = append(parts, fmt.Sprint(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, i := range idx[1:] {
		if i == prev+1 {
			prev = i
			continue
		}
		flush()
		start, prev = i, i
	}
	flush()
	return strings.Join(parts, ",")
}
