package controlplane

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/kernel"
)

// KernelAttacher loads the SK_REUSEPORT program and installs it on
// the reuseport group that Socket belongs to.
type KernelAttacher struct {
	// Socket is the fd of any member of the group.
	Socket int
	PinDir string
	Logger *slog.Logger
}

// Attach implements Attacher. The returned backend is a
// *kernel.Program.
func (a KernelAttacher) Attach(_ context.Context, v reuseport.Variant, maxSlots uint32) (Backend, error) {
	prog, err := kernel.Load(kernel.Options{
		Variant:  v,
		MaxSlots: maxSlots,
		PinDir:   a.PinDir,
		Logger:   a.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := prog.AttachSocket(a.Socket); err != nil {
		if cerr := prog.Close(); cerr != nil {
			return nil, fmt.Errorf("%w (close: %v)", err, cerr)
		}
		return nil, err
	}
	return prog, nil
}
