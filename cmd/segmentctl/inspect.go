package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/index"
	"github.com/kenneth/tiered-segment-store/internal/manifest"
)

// keyFlags selects the key wrapper used to unwrap a manifest's data key.
type keyFlags struct {
	publicKey   string
	privateKey  string
	ageIdentity string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.publicKey, "public-key", "", "RSA public key PEM")
	cmd.Flags().StringVar(&k.privateKey, "private-key", "", "RSA private key PEM")
	cmd.Flags().StringVar(&k.ageIdentity, "age-identity", "", "age identity file")
	cmd.MarkFlagsMutuallyExclusive("private-key", "age-identity")
	cmd.MarkFlagsMutuallyExclusive("public-key", "age-identity")
}

// wrapper returns nil when no key flags were given.
func (k *keyFlags) wrapper() (crypto.KeyWrapper, error) {
	switch {
	case k.ageIdentity != "":
		return crypto.LoadAgeKeyWrapper(nil, k.ageIdentity)
	case k.privateKey != "" || k.publicKey != "":
		return crypto.LoadRSAKeyWrapper(k.publicKey, k.privateKey)
	}
	return nil, nil
}

// loadManifest decodes a manifest file. Without key material the wrapped
// data key is dropped so the rest of the manifest can still be read.
func loadManifest(path string, keys *keyFlags) (*manifest.SegmentManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	wrapper, err := keys.wrapper()
	if err != nil {
		return nil, err
	}
	if wrapper == nil {
		if data, err = stripSecretKey(data); err != nil {
			return nil, err
		}
	}
	return manifest.NewCodec(manifest.WithKeyWrapper(wrapper)).Decode(data)
}

func stripSecretKey(data []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", manifest.ErrMalformedManifest, err)
	}
	raw, ok := doc["encryption"]
	if !ok {
		return data, nil
	}
	var enc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("%w: field \"encryption\": %v", manifest.ErrMalformedManifest, err)
	}
	if _, ok := enc["secretKey"]; !ok {
		return data, nil
	}
	delete(enc, "secretKey")
	stripped, err := json.Marshal(enc)
	if err != nil {
		return nil, err
	}
	doc["encryption"] = stripped
	return json.Marshal(doc)
}

func newInspectCmd() *cobra.Command {
	var (
		keys       keyFlags
		showChunks bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <manifest>",
		Short: "Describe a segment manifest",
		Long: `Decode a segment manifest and print its layout.

Key flags are only needed to check that the data key can be unwrapped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := loadManifest(args[0], &keys)
			if err != nil {
				return err
			}
			return printManifest(cmd.OutOrStdout(), sm, showChunks)
		},
	}
	keys.register(cmd)
	cmd.Flags().BoolVar(&showChunks, "chunks", false, "List every chunk")
	return cmd
}

func printManifest(out io.Writer, sm *manifest.SegmentManifest, showChunks bool) error {
	ci := sm.ChunkIndex()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Version:\t%s\n", sm.Version())
	fmt.Fprintf(tw, "Index type:\t%s\n", ci.Type())
	fmt.Fprintf(tw, "Chunk size:\t%d\n", ci.OriginalChunkSize())
	fmt.Fprintf(tw, "Chunks:\t%d\n", ci.ChunkCount())
	fmt.Fprintf(tw, "Original size:\t%d\n", ci.OriginalFileSize())
	fmt.Fprintf(tw, "Stored size:\t%d\n", ci.TransformedSize())
	fmt.Fprintf(tw, "Compression:\t%t\n", sm.Compression())
	fmt.Fprintf(tw, "Encrypted:\t%t\n", sm.Encrypted())
	if enc := sm.Encryption(); enc != nil {
		fmt.Fprintf(tw, "Cipher:\t%s\n", crypto.AlgorithmAES256GCM)
		fmt.Fprintf(tw, "AAD bytes:\t%d\n", len(enc.AAD()))
		fmt.Fprintf(tw, "Data key:\t%s\n", keyStatus(enc))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !showChunks {
		return nil
	}

	fmt.Fprintln(out)
	return printChunks(out, ci)
}

func printChunks(out io.Writer, ci index.ChunkIndex) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "CHUNK\tORIGINAL START\tORIGINAL SIZE\tSTORED START\tSTORED SIZE\t")
	for _, c := range ci.Chunks() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t\n", c.ID, c.OriginalPosition, c.OriginalSize, c.TransformedPosition, c.TransformedSize)
	}
	return tw.Flush()
}

func keyStatus(enc *manifest.EncryptionMetadata) string {
	if enc.HasDataKey() {
		return "unwrapped"
	}
	return "wrapped (no key material given)"
}
