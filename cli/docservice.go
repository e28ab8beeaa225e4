package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/paperbase/paperbase/auth"
	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/docsvc"
	"github.com/paperbase/paperbase/ingest"
	"github.com/paperbase/paperbase/queue"
	"github.com/paperbase/paperbase/storage"
	"github.com/paperbase/paperbase/vector"
)

func init() {
	RootCmd.AddCommand(docserviceCmd)
}

var docserviceCmd = &cobra.Command{
	Use:   "docservice",
	Short: "run the document service",
	Long: `Run the document service: uploads, document and job reads, and the
queue-driven ingestion workers. Indexing calls go to the vector service.`,
	RunE: runDocservice,
}

func runDocservice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb, cfg.Vector.EmbeddingDimension); err != nil {
		return err
	}
	if err := db.CheckEmbeddingDimension(gdb, cfg.Vector.EmbeddingDimension); err != nil {
		return err
	}
	docs := db.NewDocumentRepository(gdb)
	jobs := db.NewJobRepository(gdb)

	store, err := storage.NewStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	broker, err := queue.NewBroker(cfg.Broker)
	if err != nil {
		return err
	}
	defer broker.Close()

	tokens := auth.NewTokenService(cfg.Auth.SecretKey,
		cfg.Auth.AccessTokenTTL(), cfg.Auth.RefreshTokenTTL())
	indexer := vector.NewClient(cfg.Gateway.VectorServiceURL, func() (string, error) {
		return tokens.GenerateServiceToken("docservice", 5*time.Minute)
	})

	doi := ingest.NewHTTPDOIValidator(cfg.Ingest)
	pipeline := ingest.NewPipeline(cfg.Ingest, docs, jobs, store,
		ingest.NewHTTPExtractor(cfg.Ingest), ingest.NewHTTPOCREngine(cfg.Ingest), doi, indexer)

	pool := ingest.NewPool(cfg.Ingest, broker, broker, pipeline, jobs, docs, store, doi)
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Stop()

	api := docsvc.NewAPI(docs, jobs, store, broker, pipeline)
	e := newEcho(cfg)
	api.Register(e, cfg.Auth.SecretKey)
	return runEcho(e, cfg)
}
