package observability

import (
	"log/slog"
	"os"

	"github.com/routellm/gateway/internal/config"
)

// SetupLogger builds the process logger: human-readable text at debug level in
// dev, JSON at info level everywhere else. Service identity fields are attached
// so multi-process deployments (server + worker) stay distinguishable.
func SetupLogger(cfg config.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.IsDev() {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
