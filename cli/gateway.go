package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/paperbase/paperbase/auth"
	"github.com/paperbase/paperbase/cache"
	"github.com/paperbase/paperbase/db"
	"github.com/paperbase/paperbase/gateway"
	"github.com/paperbase/paperbase/llm"
	"github.com/paperbase/paperbase/vector"
)

func init() {
	RootCmd.AddCommand(gatewayCmd)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "run the API gateway",
	Long: `Run the external API gateway: authentication, rate limiting, the
LLM analysis surface, and proxying to the document and vector services.`,
	RunE: runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.MigrateIdentity(gdb); err != nil {
		return err
	}

	store, err := cache.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	authSvc := auth.NewService(auth.Config{
		SecretKey:          cfg.Auth.SecretKey,
		AccessTTL:          cfg.Auth.AccessTokenTTL(),
		RefreshTTL:         cfg.Auth.RefreshTokenTTL(),
		EnableRegistration: cfg.Auth.EnableRegistration,
		EnableAPIKeys:      cfg.Auth.EnableAPIKeys,
	}, db.NewUserRepository(gdb), store)

	if err := authSvc.BootstrapAdmin(context.Background(),
		cfg.Auth.AdminEmail, cfg.Auth.AdminPassword, cfg.Auth.AdminFullName); err != nil {
		return err
	}

	serviceToken := func() (string, error) {
		return authSvc.Tokens().GenerateServiceToken("gateway", 5*time.Minute)
	}
	docProxy := gateway.NewProxy(cfg.Gateway.DocumentServiceURL, cfg.Gateway.RequestTimeout, serviceToken)
	vectorProxy := gateway.NewProxy(cfg.Gateway.VectorServiceURL, cfg.Gateway.RequestTimeout, serviceToken)
	vectorClient := vector.NewClient(cfg.Gateway.VectorServiceURL, serviceToken)

	llmSvc := llm.NewService(cfg.LLM, llm.NewRegistryFromConfig(cfg.LLM),
		gateway.NewDocClient(docProxy), vectorClient)

	gw := gateway.New(cfg, gateway.Deps{
		Auth:         authSvc,
		Cache:        store,
		DocProxy:     docProxy,
		VectorProxy:  vectorProxy,
		VectorHealth: vectorClient,
		LLM:          llmSvc,
	})

	e := newEcho(cfg)
	gw.Register(e)
	return runEcho(e, cfg)
}
