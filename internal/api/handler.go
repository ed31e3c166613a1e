package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaiso/agentrun/internal/agent"
	"github.com/shaiso/agentrun/internal/telemetry"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	agent    *agent.Service
	metrics  *telemetry.Metrics
	upgrader websocket.Upgrader
	ping     time.Duration
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Agent   *agent.Service
	Metrics *telemetry.Metrics

	// PingInterval — интервал ping для WebSocket (default: 30s).
	PingInterval time.Duration

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}

	return &Handler{
		agent:   cfg.Agent,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Панель управления обслуживается с другого origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ping:   ping,
		logger: logger,
	}
}
