// Command healthcheck probes the service's /healthz endpoint and exits
// non-zero when it is not healthy. It is meant as a container HEALTHCHECK.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(probe(context.Background(), healthURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"))))
}

// healthURL prefers an explicit URL, then the port from HTTP_ADDR on localhost.
func healthURL(explicit, addr string) string {
	if explicit != "" {
		return explicit
	}
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func probe(ctx context.Context, url string) int {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("build health request", slog.Any("err", err))
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Error("health request failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("unhealthy", slog.Int("status", resp.StatusCode))
		return 1
	}
	return 0
}
