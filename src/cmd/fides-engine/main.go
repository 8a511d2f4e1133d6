// Command fides-engine runs the privacy request engine: a worker that claims
// queued requests and drives them through the execution graph, plus setup
// subcommands.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/cache"
	"github.com/ethyca/fides-engine/src/internal/cmdutil"
	"github.com/ethyca/fides-engine/src/internal/dbutil"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/fidesql"
	"github.com/ethyca/fides-engine/src/internal/log"
	"github.com/ethyca/fides-engine/src/internal/obj"
	"github.com/ethyca/fides-engine/src/internal/pctx"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/internal/task"
	"github.com/ethyca/fides-engine/src/policy"
	"github.com/ethyca/fides-engine/src/server/dsr"
)

const etcdPrefix = "/fides"

type rootFlags struct {
	postgresHost string
	postgresPort int
	postgresUser string
	postgresDB   string
}

func (f *rootFlags) openDB(ctx context.Context) (*fidesql.DB, error) {
	db, err := dbutil.NewDB(
		dbutil.WithHostPort(f.postgresHost, f.postgresPort),
		dbutil.WithDBName(f.postgresDB),
		dbutil.WithUserPassword(f.postgresUser, os.Getenv("FIDES_POSTGRES_PASSWORD")),
	)
	if err != nil {
		return nil, err
	}
	if err := dbutil.WaitUntilReady(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

func identityCodec() (*prdb.IdentityCodec, error) {
	keyHex := os.Getenv("FIDES_IDENTITY_KEY")
	if keyHex == "" {
		return nil, errors.New("FIDES_IDENTITY_KEY must be set to a hex-encoded 32-byte key")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode FIDES_IDENTITY_KEY")
	}
	return prdb.NewIdentityCodec(key, []byte(os.Getenv("FIDES_IDENTITY_SALT")))
}

// loadDeclarations registers every dataset and policy yaml found under the
// two directories.
func loadDeclarations(ctx context.Context, svc *dsr.Service, datasetDir, policyDir string) error {
	if err := walkYAML(datasetDir, func(path string, f *os.File) error {
		ds, err := graph.LoadDataset(f)
		if err != nil {
			return errors.Wrapf(err, "load dataset %s", path)
		}
		svc.RegisterDataset(ds)
		log.Info(ctx, "registered dataset", zap.String("dataset", ds.Name), zap.String("path", path))
		return nil
	}); err != nil {
		return err
	}
	return walkYAML(policyDir, func(path string, f *os.File) error {
		p, err := policy.LoadPolicy(f)
		if err != nil {
			return errors.Wrapf(err, "load policy %s", path)
		}
		svc.RegisterPolicy(p)
		log.Info(ctx, "registered policy", zap.String("policy", p.Key), zap.String("path", path))
		return nil
	})
}

func walkYAML(dir string, cb func(path string, f *os.File) error) error {
	if dir == "" {
		return nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.EnsureStack(err)
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return errors.EnsureStack(err)
		}
		defer f.Close()
		return cb(path, f)
	})
	return errors.Wrapf(err, "walk %s", dir)
}

func main() {
	root := &cobra.Command{
		Use:   "fides-engine",
		Short: "Privacy request execution engine.",
	}
	var rf rootFlags
	root.PersistentFlags().StringVar(&rf.postgresHost, "postgres-host", "127.0.0.1", "postgres host")
	root.PersistentFlags().IntVar(&rf.postgresPort, "postgres-port", 5432, "postgres port")
	root.PersistentFlags().StringVar(&rf.postgresUser, "postgres-user", "fides", "postgres user (password from FIDES_POSTGRES_PASSWORD)")
	root.PersistentFlags().StringVar(&rf.postgresDB, "postgres-db", "fides", "postgres database name")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the engine's database schema.",
		Run: cmdutil.Run(func() error {
			ctx := pctx.Background("fides-engine.migrate")
			db, err := rf.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := prdb.SetupDatabase(ctx, db); err != nil {
				return err
			}
			log.Info(ctx, "schema applied")
			return nil
		}),
	}
	root.AddCommand(migrate)

	status := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a privacy request and the state of each graph node it has run.",
		Run: cmdutil.RunFixedArgs(1, func(args []string) error {
			ctx := pctx.Background("fides-engine.status")
			db, err := rf.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			req, err := prdb.GetPrivacyRequest(ctx, db, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("request %s\tpolicy=%s\tstatus=%s\n", req.ID, req.PolicyKey, req.Status)
			tasks, err := prdb.ListRequestTasks(ctx, db, req.ID)
			if err != nil {
				return err
			}
			for _, rt := range tasks {
				fmt.Printf("  %s\t%s\t%s\tafter=%s\n", rt.CollectionAddress, rt.Action, rt.Status, strings.Join(rt.Upstream, ","))
			}
			return nil
		}),
	}
	root.AddCommand(status)

	var (
		etcdEndpoints       string
		storageURL          string
		datasetDir          string
		policyDir           string
		requireVerification bool
		autoApprove         bool
		redactionPatterns   []string
	)
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Claim and process queued privacy requests until interrupted.",
		Run: cmdutil.Run(func() error {
			ctx := pctx.Background("fides-engine.worker")
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := rf.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			etcdClient, err := etcd.New(etcd.Config{
				Endpoints:   strings.Split(etcdEndpoints, ","),
				DialTimeout: 20 * time.Second,
			})
			if err != nil {
				return errors.Wrap(err, "connect to etcd")
			}
			defer etcdClient.Close()
			bucket, err := obj.NewBucket(ctx, storageURL)
			if err != nil {
				return err
			}
			defer bucket.Close()
			codec, err := identityCodec()
			if err != nil {
				return err
			}

			queue := task.NewEtcdQueue(etcdClient, etcdPrefix)
			svc := dsr.New(db,
				cache.NewEtcdCache(etcdClient, etcdPrefix),
				queue, bucket, codec, dsr.Config{
					RequireVerification: requireVerification,
					AutoApprove:         autoApprove,
					RedactionPatterns:   redactionPatterns,
				})
			defer svc.Close()
			if err := loadDeclarations(ctx, svc, datasetDir, policyDir); err != nil {
				return err
			}
			log.Info(ctx, "worker started", zap.String("etcd", etcdEndpoints))
			err = queue.Iterate(ctx, svc.Process)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
	worker.Flags().StringVar(&etcdEndpoints, "etcd-endpoints", "127.0.0.1:2379", "comma-separated etcd endpoints")
	worker.Flags().StringVar(&storageURL, "storage-url", "", "object store url for subject reports (s3://, gs://, file://, mem://)")
	worker.Flags().StringVar(&datasetDir, "dataset-dir", "", "directory of dataset yaml declarations")
	worker.Flags().StringVar(&policyDir, "policy-dir", "", "directory of policy yaml declarations")
	worker.Flags().BoolVar(&requireVerification, "require-verification", false, "require subjects to verify their identity before review")
	worker.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip human review of verified requests")
	worker.Flags().StringSliceVar(&redactionPatterns, "redact", nil, "regexes over schema names to redact in subject reports")

	if err := root.Execute(); err != nil {
		cmdutil.ErrorAndExit("%v", err)
	}
}
