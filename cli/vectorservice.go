package cli

import (
	"github.com/spf13/cobra"

	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/vector"
)

func init() {
	RootCmd.AddCommand(vectorserviceCmd)
}

var vectorserviceCmd = &cobra.Command{
	Use:   "vectorservice",
	Short: "run the vector index service",
	Long: `Run the vector index service: chunking, embedding and semantic
search over the pgvector-backed chunk store.`,
	RunE: runVectorservice,
}

func runVectorservice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb, cfg.Vector.EmbeddingDimension); err != nil {
		return err
	}
	// A pre-existing chunks table keeps its declared vector width through
	// the idempotent DDL above, so the mismatch has to be caught here.
	if err := db.CheckEmbeddingDimension(gdb, cfg.Vector.EmbeddingDimension); err != nil {
		return err
	}

	svc := vector.NewService(cfg.Vector, db.NewChunkRepository(gdb),
		vector.NewHTTPEmbedder(cfg.Vector))

	e := newEcho(cfg)
	vector.NewAPI(svc).Register(e, cfg.Auth.SecretKey)
	return runEcho(e, cfg)
}
