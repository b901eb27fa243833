package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kenneth/tiered-segment-store/internal/manifest"
	"github.com/kenneth/tiered-segment-store/internal/transform"
)

var errNoDataKey = errors.New("segment is encrypted: --private-key or --age-identity is required")

func newRestoreCmd() *cobra.Command {
	var (
		keys   keyFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "restore <manifest> <data>",
		Short: "Rebuild the original segment from its stored data object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := loadManifest(args[0], &keys)
			if err != nil {
				return err
			}
			if sm.Encrypted() && !sm.Encryption().HasDataKey() {
				return errNoDataKey
			}

			stored, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read segment data: %w", err)
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			w := bufio.NewWriter(out)
			if err := restoreSegment(w, sm, stored); err != nil {
				return err
			}
			return w.Flush()
		},
	}
	keys.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")
	return cmd
}

// restoreSegment reverses every chunk of stored and writes the original bytes.
func restoreSegment(w io.Writer, sm *manifest.SegmentManifest, stored []byte) error {
	ci := sm.ChunkIndex()
	if int64(len(stored)) != ci.TransformedSize() {
		return fmt.Errorf("%w: data object holds %d bytes, manifest expects %d",
			transform.ErrSizeMismatch, len(stored), ci.TransformedSize())
	}

	pipeline, err := transform.NewPipeline(transform.OptionsFromManifest(sm))
	if err != nil {
		return err
	}
	for _, c := range ci.Chunks() {
		chunk, err := pipeline.Reverse(stored[c.TransformedPosition:c.TransformedEnd()])
		if err != nil {
			return fmt.Errorf("chunk %d: %w", c.ID, err)
		}
		if int64(len(chunk)) != c.OriginalSize {
			return fmt.Errorf("%w: chunk %d restored to %d bytes, expected %d",
				transform.ErrSizeMismatch, c.ID, len(chunk), c.OriginalSize)
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
