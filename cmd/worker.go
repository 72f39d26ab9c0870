package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/medlink-ai/wa-courier/delivery"
	"github.com/medlink-ai/wa-courier/health"
	"github.com/medlink-ai/wa-courier/inbound"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run delivery workers and the health monitor",
	Long: `Starts one delivery worker per enabled WhatsApp integration, follows
registry add/remove notifications, and runs the periodic health monitor and
orphan reaper. Multiple worker processes can share the load as long as each
has a distinct SERVER_ID.`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(_ *cobra.Command, _ []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := delivery.NewManager(serverID, queue, rateLimiter, gwClient, idemStore, cfg.Delivery, deliveryMetrics)
	if err := manager.StartAll(ctx, regRepo); err != nil {
		logrus.Fatalf("failed to start delivery workers: %v", err)
	}
	go manager.Listen(ctx, regNotifier)

	pool := inbound.NewPool(cfg.Inbound.PoolSize, cfg.Inbound.QueueSize)
	pool.Start(ctx)
	dispatcher := inbound.NewDispatcher(serverID, inbox, pool, inbound.LoggingHandler())
	if err := dispatcher.StartAll(ctx, regRepo); err != nil {
		logrus.Fatalf("failed to start inbound dispatchers: %v", err)
	}
	go dispatcher.Listen(ctx, regNotifier)

	monitor := health.NewMonitor(regRepo, regCache, gwClient, cfg.Health)
	go monitor.Run(ctx)

	logrus.Infof("[WORKER] Running %d delivery workers as consumer %s", manager.Running(), serverID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("[WORKER] Shutdown signal received")

	cancel()
	manager.Shutdown(cfg.Delivery.ShutdownBudget)
	dispatcher.Wait()
	pool.Stop()
	StopApp()
}
