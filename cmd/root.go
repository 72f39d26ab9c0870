package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/medlink-ai/wa-courier/core/config"
	"github.com/medlink-ai/wa-courier/core/database"
	"github.com/medlink-ai/wa-courier/delivery"
	domainDelivery "github.com/medlink-ai/wa-courier/domains/delivery"
	"github.com/medlink-ai/wa-courier/domains/integration"
	"github.com/medlink-ai/wa-courier/inbound"
	"github.com/medlink-ai/wa-courier/infrastructure/gateway"
	"github.com/medlink-ai/wa-courier/infrastructure/valkey"
	"github.com/medlink-ai/wa-courier/pkg/metrics"
	"github.com/medlink-ai/wa-courier/pkg/utils"
	"github.com/medlink-ai/wa-courier/registry"
)

var (
	cfg      *config.Config
	serverID string

	// Infrastructure
	db       *gorm.DB
	vkClient *valkey.Client
	gwClient domainDelivery.Gateway

	// Registry layer
	regRepo     integration.Repository
	regCache    integration.Cache
	regNotifier integration.Notifier
	regService  integration.IIntegrationUsecase

	// Delivery layer
	queue           *delivery.ValkeyQueue
	rateLimiter     domainDelivery.RateLimiter
	idemStore       domainDelivery.IdempotencyStore
	producer        *delivery.Producer
	inbox           *inbound.Inbox
	deliveryMetrics *metrics.Delivery

	flagBasicAuth    []string
	flagDBURI        string
	flagValkeyAddr   string
	flagGatewayURL   string
	flagGatewayToken string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wa-courier",
	Short: "Asynchronous WhatsApp message delivery over the Evolution API",
	Long: `wa-courier queues outbound WhatsApp messages per instance and delivers
them through an Evolution API gateway with rate limiting, retries and
idempotent webhooks. Run "rest" for the HTTP surface or "worker" for the
delivery workers; both can run in the same or separate processes.`,
}

func init() {
	utils.LoadConfig(".")

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	initFlags()

	cobra.OnInitialize(initEnvConfig, initApp)
}

func initFlags() {
	rootCmd.PersistentFlags().StringP("port", "p", "", "change port number with --port <number> | example: --port=8080")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "hide or displaying log with --debug <true/false> | example: --debug=true")
	rootCmd.PersistentFlags().StringSliceVarP(&flagBasicAuth, "basic-auth", "b", nil, "basic auth credential | -b=yourUsername:yourPassword")
	rootCmd.PersistentFlags().StringVarP(&flagDBURI, "db-uri", "", "", `registry database uri --db-uri <string> | example: --db-uri="file:storages/registry.db?_foreign_keys=on"`)
	rootCmd.PersistentFlags().StringVarP(&flagValkeyAddr, "valkey", "", "", `valkey address --valkey <host:port> | example: --valkey="localhost:6379"`)
	rootCmd.PersistentFlags().StringVarP(&flagGatewayURL, "gateway-url", "", "", `evolution gateway base url --gateway-url <url> | example: --gateway-url="http://evolution:8080"`)
	rootCmd.PersistentFlags().StringVarP(&flagGatewayToken, "gateway-key", "", "", "evolution gateway global api key")

	_ = viper.BindPFlag("app_port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("app_debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.AutomaticEnv()
}

// initEnvConfig applies command-line overrides on top of the environment.
// Port and debug go through viper so either the flag or the APP_* variable
// wins over the defaults.
func initEnvConfig() {
	loaded, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}
	cfg = loaded

	if envPort := viper.GetString("app_port"); envPort != "" {
		cfg.App.Port = envPort
	}
	if viper.GetBool("app_debug") {
		cfg.App.Debug = true
	}
	if len(flagBasicAuth) > 0 {
		cfg.App.BasicAuth = flagBasicAuth
	}
	if flagDBURI != "" {
		cfg.Database.DSN = flagDBURI
	}
	if flagValkeyAddr != "" {
		cfg.Valkey.Address = flagValkeyAddr
	}
	if flagGatewayURL != "" {
		cfg.Gateway.BaseURL = flagGatewayURL
	}
	if flagGatewayToken != "" {
		cfg.Gateway.APIKey = flagGatewayToken
	}
}

func initApp() {
	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	serverID = utils.GetPersistentServerID(cfg.App.ServerID, "storages")
	logrus.Infof("[APP] Starting as server %s", serverID)

	var err error
	db, err = database.NewDatabase(cfg)
	if err != nil {
		logrus.Fatalf("failed to open registry database: %v", err)
	}

	vkClient, err = valkey.NewClient(valkey.Config{
		Address:   cfg.Valkey.Address,
		Password:  cfg.Valkey.Password,
		DB:        cfg.Valkey.DB,
		KeyPrefix: cfg.Valkey.KeyPrefix,
	})
	if err != nil {
		logrus.Fatalf("failed to connect to valkey: %v", err)
	}

	gwClient = gateway.NewClient(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.HTTPTimeout,
	})

	gormRepo := registry.NewGormRepository(db)
	if err := gormRepo.InitSchema(context.Background()); err != nil {
		logrus.Fatalf("failed to migrate registry schema: %v", err)
	}
	regRepo = gormRepo
	regCache = registry.NewValkeyCache(vkClient, regRepo)
	regNotifier = registry.NewValkeyNotifier(vkClient)
	regService = registry.NewService(regRepo, regCache, regNotifier, gwClient, strings.TrimRight(cfg.App.BaseURL, "/"))

	queue = delivery.NewValkeyQueue(vkClient, cfg.Delivery.StreamMaxLen)
	rateLimiter = delivery.NewValkeyRateLimiter(vkClient, cfg.RateLimit.TokensPerSecond, cfg.RateLimit.Capacity)
	idemStore = delivery.NewValkeyIdempotencyStore(vkClient)
	producer = delivery.NewProducer(queue, idemStore, cfg.Delivery.IdempotencyTTL)
	inbox = inbound.NewInbox(vkClient, cfg.Delivery.StreamMaxLen)
	deliveryMetrics = metrics.NewDelivery(prometheus.DefaultRegisterer)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// StopApp performs a clean shutdown of shared infrastructure.
func StopApp() {
	logrus.Info("[APP] Stopping application...")

	if vkClient != nil {
		vkClient.Close()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	logrus.Info("[APP] Application stopped cleanly.")
}
