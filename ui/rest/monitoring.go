package rest

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medlink-ai/wa-courier/inbound"
	"github.com/medlink-ai/wa-courier/pkg/utils"
)

type Monitoring struct {
	Pool *inbound.Pool
}

// InitRestMonitoring mounts the Prometheus scrape endpoint and the inbound
// pool stats.
func InitRestMonitoring(app fiber.Router, pool *inbound.Pool) Monitoring {
	rest := Monitoring{Pool: pool}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/monitoring/inbound", rest.GetPoolStats)

	return rest
}

func (h *Monitoring) GetPoolStats(c *fiber.Ctx) error {
	if h.Pool == nil {
		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "SUCCESS",
			Message: "Inbound pool not running on this process",
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Inbound pool stats retrieved",
		Results: h.Pool.GetStats(),
	})
}
