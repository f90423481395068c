package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/nbkernel/internal/host"
	"github.com/dshills/nbkernel/internal/kernel/kernelspec"
)

// specsPollInterval is how often specs --watch rereads the registry. The
// registry cache is invalidated by its directory watcher in between.
const specsPollInterval = 500 * time.Millisecond

func (c *cli) registry() *kernelspec.DirRegistry {
	return kernelspec.NewDirRegistry(c.cfg.Kernel.Dirs(), kernelspec.WithLogger(c.logger))
}

func (c *cli) specsCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "specs",
		Short: "List kernel specs from the configured directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := c.registry()
			client := host.NewLocal(registry, c.logger)
			if !watch {
				return c.printSpecs(cmd.Context(), c.out, client)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.watchSpecs(ctx, registry, client)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reprint the list whenever a kernel directory changes")
	return cmd
}

func (c *cli) printSpecs(ctx context.Context, w io.Writer, client host.Client) error {
	specs, err := client.KernelSpecs(ctx)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Fprintf(w, "No kernel specs found in %s\n", strings.Join(c.cfg.Kernel.Dirs(), ", "))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLANGUAGE\tDISPLAY NAME\tRESOURCES")
	for _, name := range specs.Names() {
		s := specs[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, s.Language, s.DisplayName, s.ResourceDir)
	}
	return tw.Flush()
}

// watchSpecs prints the list, then reprints it whenever it changes, until
// ctx is done.
func (c *cli) watchSpecs(ctx context.Context, registry *kernelspec.DirRegistry, client host.Client) error {
	watchErr := make(chan error, 1)
	go func() { watchErr <- registry.Watch(ctx) }()

	tick := time.NewTicker(specsPollInterval)
	defer tick.Stop()

	var last []byte
	for {
		var buf bytes.Buffer
		if err := c.printSpecs(ctx, &buf, client); err != nil && ctx.Err() == nil {
			return err
		}
		if !bytes.Equal(buf.Bytes(), last) {
			last = buf.Bytes()
			if _, err := c.out.Write(last); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return <-watchErr
		case err := <-watchErr:
			return err
		case <-tick.C:
		}
	}
}
