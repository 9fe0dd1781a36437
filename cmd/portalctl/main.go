// Command portalctl maintains a portal local store: seeding, backup export
// and import, and the object-storage backup archive.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bolashakai/internal/util"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/localstore"
	"bolashakai/pkg/storage"
)

type storeFlags struct {
	backend       string
	path          string
	redisAddr     string
	redisPassword string
	prefix        string
}

type archiveFlags struct {
	dir       string
	endpoint  string
	accessKey string
	secretKey string
	bucket    string
	useSSL    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	sf := &storeFlags{}
	af := &archiveFlags{}
	var logLevel string
	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Maintain the Bolashak portal local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			util.InitLogger("portalctl", logLevel)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level")
	pf.StringVar(&sf.backend, "backend", envOr("LOCAL_STORE_BACKEND", "file"), "local store backend: file or redis")
	pf.StringVar(&sf.path, "path", envOr("LOCAL_STORE_PATH", "data/local-store.json"), "file backend path")
	pf.StringVar(&sf.redisAddr, "redis-addr", envOr("REDIS_ADDR", ""), "redis backend address")
	pf.StringVar(&sf.redisPassword, "redis-password", envOr("REDIS_PASSWORD", ""), "redis backend password")
	pf.StringVar(&sf.prefix, "prefix", "bolashak:local", "redis key prefix")

	root.AddCommand(newSeedCmd(sf), newExportCmd(sf), newImportCmd(sf), newArchiveCmd(sf, af))
	return root
}

func newSeedCmd(sf *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create missing tables, demo accounts and the agent catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeStore, err := openStore(cmd.Context(), sf)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := st.PutUiItems(cmd.Context(), domain.CatalogSeed(time.Now().UTC())); err != nil {
				return err
			}
			users, err := st.Users(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded: %d users\n", len(users))
			return nil
		},
	}
}

func newExportCmd(sf *storeFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup bundle to a file or stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeStore, err := openStore(cmd.Context(), sf)
			if err != nil {
				return err
			}
			defer closeStore()
			b, err := st.ExportAll(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return backup.Encode(w, b)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd(sf *storeFlags) *cobra.Command {
	var file, mode string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a backup bundle, replacing or merging tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := backup.ParseMode(mode)
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			b, err := backup.Decode(r)
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), sf)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := st.ImportAll(cmd.Context(), b, parsed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported (%s)\n", parsed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "bundle file (default stdin)")
	cmd.Flags().StringVar(&mode, "mode", string(backup.ModeReplace), "replace or merge")
	return cmd
}

func newArchiveCmd(sf *storeFlags, af *archiveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage backup bundles in object storage",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&af.dir, "dir", "", "archive into a local directory instead of MinIO")
	pf.StringVar(&af.endpoint, "minio-endpoint", envOr("MINIO_ENDPOINT", ""), "MinIO endpoint")
	pf.StringVar(&af.accessKey, "minio-access-key", envOr("MINIO_ACCESS_KEY", ""), "MinIO access key")
	pf.StringVar(&af.secretKey, "minio-secret-key", envOr("MINIO_SECRET_KEY", ""), "MinIO secret key")
	pf.StringVar(&af.bucket, "minio-bucket", envOr("MINIO_BUCKET", "bolashak-backups"), "MinIO bucket")
	pf.BoolVar(&af.useSSL, "minio-ssl", false, "use TLS for MinIO")

	save := &cobra.Command{
		Use:   "save",
		Short: "Export the store and upload the bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			archive, err := openArchive(af)
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), sf)
			if err != nil {
				return err
			}
			defer closeStore()
			b, err := st.ExportAll(cmd.Context())
			if err != nil {
				return err
			}
			key, err := archive.Save(cmd.Context(), b)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived bundles, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			archive, err := openArchive(af)
			if err != nil {
				return err
			}
			keys, err := archive.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	var mode string
	restore := &cobra.Command{
		Use:   "restore KEY",
		Short: "Import an archived bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := backup.ParseMode(mode)
			if err != nil {
				return err
			}
			archive, err := openArchive(af)
			if err != nil {
				return err
			}
			b, err := archive.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), sf)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := st.ImportAll(cmd.Context(), b, parsed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s (%s)\n", args[0], parsed)
			return nil
		},
	}
	restore.Flags().StringVar(&mode, "mode", string(backup.ModeReplace), "replace or merge")
	cmd.AddCommand(save, list, restore)
	return cmd
}

// openStore opens and initializes the configured local store.
func openStore(ctx context.Context, sf *storeFlags) (*localstore.Store, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.EqualFold(sf.backend, "memory") {
		return nil, nil, fmt.Errorf("memory backend is process-local; use file or redis")
	}
	kv, err := localstore.OpenKV(localstore.BackendOptions{
		Backend:       sf.backend,
		Path:          sf.path,
		RedisAddr:     sf.redisAddr,
		RedisPassword: sf.redisPassword,
		Prefix:        sf.prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}
	if c, ok := kv.(io.Closer); ok {
		closeFn = func() { _ = c.Close() }
	}
	st := localstore.New(kv, localstore.Options{})
	if err := st.Init(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("init local store: %w", err)
	}
	return st, closeFn, nil
}

func openArchive(af *archiveFlags) (*backup.Archive, error) {
	var objects storage.ObjectStore
	var err error
	switch {
	case af.dir != "":
		objects, err = storage.NewFileStore(af.dir)
	case af.endpoint != "":
		objects, err = storage.NewMinioStore(af.endpoint, af.accessKey, af.secretKey, af.bucket, af.useSSL)
	default:
		return nil, fmt.Errorf("set --dir or --minio-endpoint")
	}
	if err != nil {
		return nil, err
	}
	return backup.NewArchive(objects, 0), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
