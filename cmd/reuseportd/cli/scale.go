package cli

import (
	"context"
	"fmt"

	"github.com/frobware/go-reuseport/kernel"
	"github.com/frobware/go-reuseport/lock"
)

// ScaleCmd rewrites the replica count of a pinned dispatcher. The
// count cannot exceed the sockets registered from slot 0 upwards.
type ScaleCmd struct {
	Name     string `name:"name" help:"Dispatcher name." default:"default"`
	Replicas uint32 `arg:"" help:"New replica count; 0 passes everything to the default path."`
}

// Run executes the scale command.
func (c *ScaleCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return err
	}
	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return err
	}
	dir, err := dirs.PinDir(c.Name)
	if err != nil {
		return err
	}

	var before uint32
	err = lock.Run(ctx, dirs.Lock(), func(_ context.Context, w lock.WriterScope) error {
		p, err := kernel.OpenPinned(dir)
		if err != nil {
			return err
		}
		defer p.Close()

		if before, err = p.ReplicaCount(); err != nil {
			return err
		}
		logger.Debug("rescaling dispatcher", "name", c.Name, "from", before, "to", c.Replicas, "lock_fd", w.FD())
		return p.SetReplicaCount(w, c.Replicas)
	})
	if err != nil {
		return fmt.Errorf("scale %s: %w", c.Name, err)
	}
	return cli.PrintOutf("%s: replicas %d -> %d\n", c.Name, before, c.Replicas)
}
