package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stripestore/osd/internal/osd"
	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/versioning"
)

func runInspect(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout, err := openStorage(cfg)
	if err != nil {
		return err
	}
	return inspect(os.Stdout, layout, args[0])
}

func inspect(out io.Writer, layout storage.Layout, fileID string) error {
	if !layout.FileExists(fileID) {
		return fmt.Errorf("%w: %s", osd.ErrFileNotFound, fileID)
	}
	md, found, err := layout.LoadMetadata(fileID)
	if err != nil {
		return err
	}
	entries, err := layout.ListObjects(fileID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "file %s (%s layout)\n", fileID, layout.Name())
	if found {
		fmt.Fprintf(out, "  size:           %s (%d bytes)\n", units.BytesSize(float64(md.FileSize)), md.FileSize)
		fmt.Fprintf(out, "  last object:    %d\n", md.LastObjectNumber)
		fmt.Fprintf(out, "  truncate epoch: %d\n", md.TruncateEpoch)
	} else {
		fmt.Fprintln(out, "  no metadata record")
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nOBJECT\tVERSION\tLENGTH\tCHECKSUM")
	for _, e := range entries {
		length := units.BytesSize(float64(e.Length))
		if e.Padding {
			length = "padding"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", e.Object, e.Version, length, e.Checksum)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !versioning.Exists(layout.FileDir(fileID)) {
		return nil
	}
	m, err := versioning.Open(layout.FileDir(fileID))
	if err != nil {
		return err
	}
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nFILE VERSION\tCOMMITTED\tOBJECTS")
	for _, v := range m.Log().Versions() {
		fmt.Fprintf(w, "%d\t%s\t%d-%d\n", v.Timestamp, time.UnixMilli(v.Timestamp).UTC().Format(time.RFC3339), v.FirstObject, v.FirstObject+v.ObjectCount-1)
	}
	return w.Flush()
}

func runPurge(cmd *cobra.Command, args []string) error {
	setupLogging()

	keep, _ := cmd.Flags().GetInt64Slice("keep")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout, err := openStorage(cfg)
	if err != nil {
		return err
	}

	exec, err := osd.NewExecutor(osd.Config{
		NodeID: cfg.NodeID,
		Layout: layout,
		Logger: log.Logger,
	})
	if err != nil {
		return err
	}
	exec.Start()
	defer exec.Stop()

	retained, err := exec.PurgeVersions(context.Background(), args[0], keep)
	if err != nil {
		return err
	}
	if err := exec.FlushCaches(context.Background()); err != nil {
		return err
	}
	fmt.Printf("retained %d file version(s): %v\n", len(retained), retained)
	return nil
}
