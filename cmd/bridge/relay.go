package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/handlers"
	"lambda-live-bridge/internal/middleware"
	"lambda-live-bridge/internal/registry"
	"lambda-live-bridge/internal/relay"
)

func newRelayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run or inspect the relay",
	}
	cmd.AddCommand(newRelayServeCmd(a), newRelayStatusCmd(a))
	return cmd
}

func newRelayServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay WebSocket endpoint and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, closeRegistry, err := registry.Open(ctx, a.cfg.Registry)
			if err != nil {
				return fmt.Errorf("failed to open registry: %w", err)
			}
			defer closeRegistry()

			hub := relay.NewHub(a.log)
			router := relay.NewRouter(reg, hub, a.log)
			hub.Attach(router)

			server := newRelayApp(hub, router, reg, a.log)
			errs := make(chan error, 1)
			go func() { errs <- server.Listen(a.cfg.Relay.ListenAddr) }()

			a.log.Info("relay listening",
				zap.String("addr", a.cfg.Relay.ListenAddr),
				zap.String("registry", a.cfg.Registry.Backend),
			)
			select {
			case err := <-errs:
				return err
			case <-ctx.Done():
				a.log.Info("relay shutting down")
				return server.ShutdownWithTimeout(5 * time.Second)
			}
		},
	}
}

func newRelayApp(hub *relay.Hub, router *relay.Router, reg registry.Registry, log *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Live Lambda Relay",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Next: func(c *fiber.Ctx) bool { return c.Path() == "/health" },
	}))

	app.Get("/swagger/*", swagger.HandlerDefault)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "UP", "connections": hub.Len()})
	})

	api := app.Group("/api",
		cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,DELETE,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept",
		}),
		middleware.XRay("live-lambda-relay", log),
	)
	handlers.NewConnectionHandler(reg, router).Register(api)

	hub.Mount(app)
	return app
}

func newRelayStatusCmd(a *app) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the attached client and routing counters of a running relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if baseURL == "" {
				baseURL = "http://" + listenHost(a.cfg.Relay.ListenAddr)
			}
			client := middleware.HTTPClient(5 * time.Second)
			out := cmd.OutOrStdout()

			var stats relay.Stats
			if _, err := getJSON(cmd.Context(), client, baseURL+"/api/stats", &stats); err != nil {
				return err
			}
			var conn struct {
				ID           string    `json:"id"`
				RegisteredAt time.Time `json:"registeredAt"`
			}
			status, err := getJSON(cmd.Context(), client, baseURL+"/api/connections/client", &conn)
			if err != nil && status != http.StatusNotFound {
				return err
			}

			if status == http.StatusNotFound {
				fmt.Fprintln(out, "client:      none")
			} else {
				fmt.Fprintf(out, "client:      %s (since %s)\n", conn.ID, conn.RegisteredAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "forwarded:   %d\n", stats.Forwarded)
			fmt.Fprintf(out, "undelivered: %d\n", stats.Undelivered)
			fmt.Fprintf(out, "gone:        %d\n", stats.Gone)
			fmt.Fprintf(out, "discarded:   %d\n", stats.Discarded)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "relay admin base URL (default derived from relay.listen_addr)")
	return cmd
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(v)
}

func listenHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
