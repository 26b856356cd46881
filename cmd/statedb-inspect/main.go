// Command statedb-inspect is a thin operational inspector for a strata
// data directory: root hash, point reads, prefix scans, inclusion-proof
// verification, live version subscription, and in-place migrations. It is
// adapted from Warren's combination of its primary cobra-based `warren`
// CLI and its raw-bbolt `warren-migrate` tool into a single multi-
// subcommand binary, since every one of its subcommands operates on the
// same storage.Storage rather than warranting a separate program.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/strata/storage"
	"github.com/cuemby/strata/storage/config"
	"github.com/cuemby/strata/storage/jmt"
	"github.com/cuemby/strata/storage/snapshot"
)

var (
	dataDir string
	version uint64
)

var rootCmd = &cobra.Command{
	Use:   "statedb-inspect",
	Short: "Inspect and operate on a strata state storage data directory",
	Long: `statedb-inspect opens a strata data directory directly and lets an
operator read keys, verify inclusion proofs, watch for new commits, and
apply in-place migrations without standing up the owning process.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "path to the strata data directory (required)")
	rootCmd.PersistentFlags().Uint64Var(&version, "version", 0, "version to read at (0 means latest)")
	rootCmd.MarkPersistentFlagRequired("data-dir")

	rootCmd.AddCommand(rootHashCmd, getCmd, prefixCmd, verifyProofCmd, subscribeCmd, migrateInPlaceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStorage() (*storage.Storage, error) {
	cfg := config.Default(dataDir)
	s, err := storage.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dataDir, err)
	}
	return s, nil
}

// snapshotAt resolves --version against s: 0 means the latest snapshot,
// anything else means that exact version from the ring. Either way the
// caller owns the returned snapshot's holder and must Release it.
func snapshotAt(s *storage.Storage) (*snapshot.Snapshot, error) {
	if version == 0 {
		return s.LatestSnapshot(), nil
	}
	snap, err := s.Snapshot(version)
	if err != nil {
		return nil, fmt.Errorf("open version %d: %w", version, err)
	}
	return snap, nil
}

var rootHashCmd = &cobra.Command{
	Use:   "root-hash",
	Short: "Print the global root hash at --version (or the latest)",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStorage()
		if err != nil {
			return err
		}
		defer s.Release()

		snap, err := snapshotAt(s)
		if err != nil {
			return err
		}
		defer snap.Release()

		fmt.Println(snap.RootHash().String())
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a verifiable key's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStorage()
		if err != nil {
			return err
		}
		defer s.Release()

		snap, err := snapshotAt(s)
		if err != nil {
			return err
		}
		defer snap.Release()

		val, ok, err := snap.Get([]byte(args[0]))
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}
		if !ok {
			return fmt.Errorf("%s: not found", args[0])
		}
		fmt.Println(string(val))
		return nil
	},
}

var prefixLimit int

var prefixCmd = &cobra.Command{
	Use:   "prefix <prefix>",
	Short: "List keys and values under a verifiable key prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStorage()
		if err != nil {
			return err
		}
		defer s.Release()

		snap, err := snapshotAt(s)
		if err != nil {
			return err
		}
		defer snap.Release()

		n := 0
		for e := range snap.PrefixRaw([]byte(args[0])) {
			fmt.Printf("%s = %s\n", e.Key, e.Value)
			n++
			if prefixLimit > 0 && n >= prefixLimit {
				break
			}
		}
		return nil
	},
}

func init() {
	prefixCmd.Flags().IntVar(&prefixLimit, "limit", 0, "maximum number of entries to print (0 means unlimited)")
}

var verifyAll bool

var verifyProofCmd = &cobra.Command{
	Use:   "verify-proof [key]",
	Short: "Fetch a key with its inclusion proof and verify it against the root hash",
	Long: `verify-proof re-derives the root hash from a key's JMT inclusion
proof and checks it matches the storage's actual root hash for the
queried version. With --all, every key under an optional prefix argument
is checked concurrently instead of a single key.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStorage()
		if err != nil {
			return err
		}
		defer s.Release()

		snap, err := snapshotAt(s)
		if err != nil {
			return err
		}
		defer snap.Release()

		root := snap.RootHash()

		if !verifyAll {
			if len(args) != 1 {
				return fmt.Errorf("verify-proof requires a key argument unless --all is set")
			}
			return verifyOne(snap, root, args[0])
		}

		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}

		var keys []string
		for e := range snap.PrefixRaw([]byte(prefix)) {
			keys = append(keys, string(e.Key))
		}

		g, _ := errgroup.WithContext(context.Background())
		for _, k := range keys {
			k := k
			g.Go(func() error {
				return verifyOne(snap, root, k)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Printf("verified %d keys against root %s\n", len(keys), root)
		return nil
	},
}

func verifyOne(snap *snapshot.Snapshot, root jmt.RootHash, key string) error {
	val, proof, err := snap.GetWithProof([]byte(key))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if !jmt.Verify(root, []byte(key), val, proof) {
		return fmt.Errorf("%s: proof failed to verify against root %s", key, root)
	}
	return nil
}

func init() {
	verifyProofCmd.Flags().BoolVar(&verifyAll, "all", false, "verify every key under the given prefix instead of a single key")
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Print each new committed version's root hash as it happens",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStorage()
		if err != nil {
			return err
		}
		defer s.Release()

		ch, unsubscribe := s.Subscribe()
		defer unsubscribe()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case payload, ok := <-ch:
				if !ok {
					return nil
				}
				fmt.Printf("version %d -> %s\n", payload.Version, payload.Snapshot.RootHash())
			}
		}
	},
}

var migrationFile string

var migrateInPlaceCmd = &cobra.Command{
	Use:   "migrate-in-place",
	Short: "Apply a JSON changeset to the current version without advancing it",
	Long: `migrate-in-place drives Storage.CommitInPlace: it rewrites the
current version's key/value data in place instead of creating a new
version, for one-off corrective migrations (e.g. fixing up a value
encoding) where preserving history of the bad values is undesirable.
This does not touch the committed version number or any prior version's
data, which remain exactly as they were.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrationFile == "" {
			return fmt.Errorf("--changes is required")
		}
		data, err := os.ReadFile(migrationFile)
		if err != nil {
			return fmt.Errorf("read changes file: %w", err)
		}

		var changes struct {
			Put    map[string]string `json:"put"`
			Delete []string           `json:"delete"`
		}
		if err := json.Unmarshal(data, &changes); err != nil {
			return fmt.Errorf("parse changes file: %w", err)
		}

		s, err := openStorage()
		if err != nil {
			return err
		}
		defer s.Release()

		d, snap := s.BeginTransaction()
		defer snap.Release()

		for k, v := range changes.Put {
			d.Put([]byte(k), []byte(v))
		}
		for _, k := range changes.Delete {
			d.Delete([]byte(k))
		}

		root, err := s.CommitInPlace(d)
		if err != nil {
			return fmt.Errorf("migrate in place: %w", err)
		}

		fmt.Printf("migrated %d put(s), %d delete(s); new root %s\n",
			len(changes.Put), len(changes.Delete), root)
		return nil
	},
}

func init() {
	migrateInPlaceCmd.Flags().StringVar(&migrationFile, "changes", "", `path to a JSON file with {"put": {...}, "delete": [...]}`)
}
