package main

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/notargets/kernelcall/asmcompiler"
	"github.com/notargets/kernelcall/callcache"
	"github.com/notargets/kernelcall/driver"
	"github.com/notargets/kernelcall/drivertest"
	"github.com/notargets/kernelcall/kernelimage"
)

// serveCmd starts a tiny debug HTTP surface over a long-running BlobCache,
// for interactively poking at cache occupancy while a bench process (or a
// real host framework wired to the same process) dispatches calls.
func serveCmd() *cli.Command {
	var addr string
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a debug HTTP surface over a long-running call cache",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8089", Destination: &addr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := configFromContext(ctx)
			log := loggerFromContext(ctx)

			var drv driver.Driver
			switch cfg.Backend {
			case "cuda":
				drv = driver.New()
			default:
				drv = drivertest.New()
			}

			reg := prometheus.NewRegistry()
			metrics := callcache.NewMetrics(reg)
			imageCache := kernelimage.New(asmcompiler.Ptxas{}, log)
			bc := callcache.New(drv, imageCache, log, metrics)

			e := echo.New()
			e.Use(middleware.Recover())
			e.GET("/healthz", func(c *echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
			})
			e.GET("/cache/stats", func(c *echo.Context) error {
				return c.JSON(http.StatusOK, map[string]int{
					"blob_cache_size":         bc.Len(),
					"device_image_cache_size": imageCache.Len(),
				})
			})
			metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
			e.GET("/metrics", func(c *echo.Context) error {
				metricsHandler.ServeHTTP(c.Response(), c.Request())
				return nil
			})

			log.Info("kernelcallctl serve listening", "addr", addr)
			sc := echo.StartConfig{Address: addr}
			return sc.Start(ctx, e)
		},
	}
}
