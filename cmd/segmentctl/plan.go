package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/index"
	"github.com/kenneth/tiered-segment-store/internal/transform"
)

func newPlanCmd() *cobra.Command {
	var (
		fileSize   int64
		chunkSize  int64
		overhead   int64
		encrypted  bool
		showChunks bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the stored layout of an uncompressed segment",
		Long: `Compute the chunk index for a segment whose chunks grow by a fixed
number of bytes, such as encrypted but uncompressed segments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if encrypted {
				overhead += crypto.ChunkOverhead
			}
			ci, err := planIndex(fileSize, chunkSize, overhead)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%v\n", ci)
			fmt.Fprintf(out, "Stored size: %d (+%d bytes)\n", ci.TransformedSize(), ci.TransformedSize()-fileSize)
			if showChunks {
				fmt.Fprintln(out)
				return printChunks(out, ci)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&fileSize, "file-size", 0, "Original segment size in bytes")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", transform.DefaultChunkSize, "Original chunk size in bytes")
	cmd.Flags().Int64Var(&overhead, "overhead", 0, "Bytes added to every chunk")
	cmd.Flags().BoolVar(&encrypted, "encrypted", false, "Add the AES-GCM chunk overhead")
	cmd.Flags().BoolVar(&showChunks, "chunks", false, "List every chunk")
	_ = cmd.MarkFlagRequired("file-size")
	return cmd
}

func planIndex(fileSize, chunkSize, overhead int64) (index.ChunkIndex, error) {
	if overhead < 0 {
		return nil, fmt.Errorf("overhead must not be negative, got %d", overhead)
	}
	b, err := index.NewBuilder(chunkSize, fileSize)
	if err != nil {
		return nil, err
	}
	count := (fileSize + chunkSize - 1) / chunkSize
	for i := int64(0); i < count-1; i++ {
		if err := b.AddChunk(chunkSize + overhead); err != nil {
			return nil, err
		}
	}
	final := fileSize - (count-1)*chunkSize
	return b.Finish(final + overhead)
}
