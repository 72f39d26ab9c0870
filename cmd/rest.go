package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/medlink-ai/wa-courier/pkg/utils"
	"github.com/medlink-ai/wa-courier/ui/rest"
	"github.com/medlink-ai/wa-courier/ui/rest/middleware"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Serve the HTTP API and the gateway webhook endpoint",
	Run:   runRest,
}

func init() {
	rootCmd.AddCommand(restCmd)
}

func runRest(_ *cobra.Command, _ []string) {
	app := fiber.New(fiber.Config{
		AppName:                 "wa-courier",
		DisableStartupMessage:   true,
		BodyLimit:               1 * 1024 * 1024,
		ReadTimeout:             30 * time.Second,
		WriteTimeout:            30 * time.Second,
		EnableTrustedProxyCheck: len(cfg.App.TrustedProxies) > 0,
		TrustedProxies:          cfg.App.TrustedProxies,
	})

	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	app.Use(middleware.Recovery())
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))
	if cfg.App.Debug {
		app.Use(logger.New())
	}

	// Webhook routes stay outside basic auth. The per-registration token in
	// the path is the credential. Accepted events land on the inbox stream;
	// the worker process consumes them.
	rest.InitRestWebhook(app, regCache, regRepo, idemStore, inbox, cfg.Delivery.IdempotencyTTL)

	basePath := cfg.App.BasePath
	if basePath == "" {
		basePath = "/"
	}
	apiGroup := app.Group(basePath)
	applyBasicAuth(apiGroup)

	rest.InitRestIntegration(apiGroup, regService)
	rest.InitRestMessage(apiGroup, producer)
	rest.InitRestHealth(apiGroup, regRepo, queue, gwClient, deliveryMetrics)
	rest.InitRestMonitoring(apiGroup, nil)

	apiGroup.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(utils.ResponseData{
			Status:  404,
			Code:    "NOT_FOUND",
			Message: "The requested endpoint does not exist",
		})
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logrus.Info("[REST] Shutdown signal received")
		if err := app.Shutdown(); err != nil {
			logrus.Errorf("failed to shut down http server: %v", err)
		}
	}()

	logrus.Infof("[REST] Listening on port %s", cfg.App.Port)
	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logrus.Fatalf("failed to serve http: %v", err)
	}

	StopApp()
}

// applyBasicAuth protects a router with the configured credentials. Basic auth
// is mandatory for the API surface; refusing to start beats serving an open
// management API. Preflight requests pass through so browsers can negotiate
// CORS.
func applyBasicAuth(router fiber.Router) {
	if len(cfg.App.BasicAuth) == 0 {
		logrus.Fatal("basic auth credentials are required, set APP_BASIC_AUTH or --basic-auth")
	}

	users := make(map[string]string)
	for _, credential := range cfg.App.BasicAuth {
		parts := strings.SplitN(credential, ":", 2)
		if len(parts) != 2 {
			logrus.Fatalf("invalid basic auth credential %q, expected user:password", credential)
		}
		users[parts[0]] = parts[1]
	}

	router.Use(func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}
		return basicauth.New(basicauth.Config{Users: users})(c)
	})
}
