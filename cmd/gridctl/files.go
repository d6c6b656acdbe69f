package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/mutable"
)

func newFileCmds() []*cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Create a mutable file and print its write cap",
		Long: `Create a new mutable file from the contents of <file> ("-" for stdin).

The write cap printed on success is the only way to publish later
versions. Keep it secret; share the read cap instead.`,
		Args: cobra.ExactArgs(1),
		RunE: runCreate,
	}

	putCmd := &cobra.Command{
		Use:   "put <writecap> <file>",
		Short: "Publish new contents for a mutable file",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut,
	}

	getCmd := &cobra.Command{
		Use:   "get <cap>",
		Short: "Download the best recoverable version of a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	getCmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")

	checkCmd := &cobra.Command{
		Use:   "check <cap>",
		Short: "Query every server and show where the file's shares live",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}

	dumpCmd := &cobra.Command{
		Use:   "dump-share <file>",
		Short: "Decode a raw share file",
		Args:  cobra.ExactArgs(1),
		RunE:  runDumpShare,
	}

	return []*cobra.Command{createCmd, putCmd, getCmd, checkCmd, dumpCmd}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// openGrid loads config and builds the peer list and mutable config.
func openGrid() (mutable.Config, mutable.StaticPeers, error) {
	cfg, err := loadConfig()
	if err != nil {
		return mutable.Config{}, nil, err
	}
	peers, err := gridPeers(cfg)
	if err != nil {
		return mutable.Config{}, nil, err
	}
	mc := cfg.MutableConfig(log.Logger)
	mc.Metrics = mutable.InitMetrics(prometheus.DefaultRegisterer)
	mc.VerifyCache, err = mutable.NewVerifyCache(0)
	if err != nil {
		return mutable.Config{}, nil, err
	}
	return mc, peers, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[0])
	if err != nil {
		return err
	}
	mc, peers, err := openGrid()
	if err != nil {
		return err
	}

	node, err := mutable.Create(cmd.Context(), mc, peers, data)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	log.Info().Str("si", hashutil.SIPrefix(node.StorageIndex())).Int("bytes", len(data)).Msg("file created")

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "write cap: %s\n", node.WriteCap())
	fmt.Fprintf(out, "read cap:  %s\n", node.ReadCap())
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[1])
	if err != nil {
		return err
	}
	mc, peers, err := openGrid()
	if err != nil {
		return err
	}

	node, err := mutable.Open(mc, peers, args[0])
	if err != nil {
		return err
	}
	if err := node.Overwrite(cmd.Context(), data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	log.Info().Str("si", hashutil.SIPrefix(node.StorageIndex())).Int("bytes", len(data)).Msg("new version published")
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	mc, peers, err := openGrid()
	if err != nil {
		return err
	}

	node, err := mutable.Open(mc, peers, args[0])
	if err != nil {
		return err
	}
	data, err := node.DownloadBestVersion(cmd.Context())
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	if output != "" {
		return os.WriteFile(output, data, 0644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runCheck(cmd *cobra.Command, args []string) error {
	mc, peers, err := openGrid()
	if err != nil {
		return err
	}

	node, err := mutable.Open(mc, peers, args[0])
	if err != nil {
		return err
	}
	sm, err := node.Check(cmd.Context())
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	out := cmd.OutOrStdout()
	if err := sm.Dump(out); err != nil {
		return err
	}
	if sm.NeedsMerge() {
		fmt.Fprintln(out, "warning: several recoverable versions share the highest seqnum")
	}
	if newer := sm.UnrecoverableNewerVersions(); len(newer) > 0 {
		fmt.Fprintf(out, "warning: %d newer version(s) are not recoverable\n", len(newer))
	}
	for _, p := range sm.UnreachablePeers() {
		fmt.Fprintf(out, "unreachable: %s\n", p)
	}
	return nil
}

func runDumpShare(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[0])
	if err != nil {
		return err
	}
	share, err := mutable.UnpackShare(data)
	if err != nil {
		return fmt.Errorf("unpack share: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "version:\t%d\n", share.Version)
	fmt.Fprintf(w, "seqnum:\t%d\n", share.Seqnum)
	fmt.Fprintf(w, "root hash:\t%s\n", hashutil.B2A(share.RootHash[:]))
	fmt.Fprintf(w, "salt:\t%s\n", hashutil.B2A(share.Salt[:]))
	fmt.Fprintf(w, "encoding:\t%d of %d\n", share.K, share.N)
	fmt.Fprintf(w, "segment size:\t%d\n", share.SegmentSize)
	fmt.Fprintf(w, "data length:\t%d\n", share.DataLength)
	fmt.Fprintf(w, "pubkey:\t%d bytes\n", len(share.Pubkey))
	fmt.Fprintf(w, "signature:\t%d bytes\n", len(share.Signature))
	fmt.Fprintf(w, "share hash chain:\t%d entries\n", len(share.ShareHashChain))
	fmt.Fprintf(w, "block hash tree:\t%d hashes\n", len(share.BlockHashTree))
	fmt.Fprintf(w, "block:\t%d bytes\n", len(share.Block))
	fmt.Fprintf(w, "enc privkey:\t%d bytes\n", len(share.EncPrivkey))
	return w.Flush()
}
