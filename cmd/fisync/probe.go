package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fisync/fisync/pkg/client"
	"github.com/fisync/fisync/pkg/scene"
	"github.com/fisync/fisync/pkg/volume"
)

type probeOptions struct {
	password    string
	timeout     time.Duration
	module      string
	dataID      string
	orientation string
	slice       int
	series      int
}

func probeCmd() *cobra.Command {
	var opts probeOptions

	cmd := &cobra.Command{
		Use:   "probe [address]",
		Short: "Connect to a server and report what it serves",
		Long: `Connect to a fisync server, authenticate and list its modules.

The address is host:port for TCP or a ws:// or wss:// URL for the
WebSocket endpoint.

Examples:
  fisync probe localhost:4510 --password secret
  fisync probe ws://localhost:4511/ws --password secret --module viewer
  fisync probe localhost:4510 --password secret --data phantom --orientation sagittal --slice 10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := "localhost:4510"
			if len(args) > 0 {
				addr = args[0]
			}
			if opts.password == "" {
				opts.password = os.Getenv("FISYNC_PASSWORD")
			}
			ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
			defer cancel()
			return runProbe(ctx, cmd.OutOrStdout(), addr, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "Shared client password (default $FISYNC_PASSWORD)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Overall probe timeout")
	cmd.Flags().StringVarP(&opts.module, "module", "m", "", "Subscribe to this module and print its scene")
	cmd.Flags().StringVar(&opts.dataID, "data", "", "Fetch one slice of this dataset")
	cmd.Flags().StringVar(&opts.orientation, "orientation", "transverse", "Slice orientation: transverse, sagittal or coronal")
	cmd.Flags().IntVar(&opts.slice, "slice", 0, "Slice index")
	cmd.Flags().IntVar(&opts.series, "series", 0, "Series index")
	return cmd
}

func runProbe(ctx context.Context, w io.Writer, addr string, opts probeOptions) error {
	c, err := client.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.ID(ctx)
	if err != nil {
		return fmt.Errorf("waiting for challenge: %w", err)
	}
	if err := c.Authenticate(ctx, opts.password); err != nil {
		return err
	}
	success(w, "Authenticated as %s", id)

	mods, err := c.ListModules(ctx)
	if err != nil {
		return err
	}
	success(w, "%d module(s)", len(mods))
	for _, m := range mods {
		info(w, "%-16s %s", m.ID, m.Name)
	}

	if opts.module != "" {
		sc, err := c.Subscribe(ctx, opts.module)
		if err != nil {
			return err
		}
		printScene(w, opts.module, sc)
		if err := c.Unsubscribe(ctx, opts.module); err != nil {
			return err
		}
	}

	if opts.dataID != "" {
		o, ok := volume.ParseOrientation(opts.orientation)
		if !ok {
			return fmt.Errorf("unknown orientation %q", opts.orientation)
		}
		start := time.Now()
		addr := volume.Addr(o, opts.slice, opts.series)
		vol, err := c.FetchSlice(ctx, "", opts.dataID, addr)
		if err != nil {
			return err
		}
		d := vol.Dimensions()
		cells := volume.SliceCells(d, o)
		success(w, "Fetched %s %s in %s", opts.dataID, addr, time.Since(start).Round(time.Millisecond))
		info(w, "volume %dx%dx%d, slice %s", d[0], d[1], d[2], humanize.IBytes(uint64(4*cells)))
	}
	return nil
}

func printScene(w io.Writer, moduleID string, sc *scene.Scene) {
	success(w, "Scene of %s: %d visual(s), %d interaction(s)", moduleID, sc.VisualCount(), sc.InteractionCount())
	for _, v := range sc.Visuals() {
		line := fmt.Sprintf("visual %-12s %s", v.ID, v.Kind)
		switch v.Kind {
		case scene.KindImage:
			line += fmt.Sprintf(" %s/%s", v.Image.DataType, v.Image.DataID)
		case scene.KindText:
			line += fmt.Sprintf(" %q", v.Text)
		}
		if !v.Visible {
			line += " (hidden)"
		}
		info(w, "%s", line)
	}
	for _, i := range sc.Interactions() {
		info(w, "interaction %-12s %s = %v", i.ID, i.Kind(), i.Value)
	}
}
