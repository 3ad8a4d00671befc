package cli

import (
	"context"
	"net/http"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/albertbausili/duplex/pkg/duplex"
)

// routes registers the demo endpoints served by duplexd.
func routes(router *duplex.Router) {
	router.GET("/", func(ctx *duplex.Context) error {
		return ctx.String(http.StatusOK, "duplexd over %s", ctx.Proto())
	})
	router.GET("/ping", func(ctx *duplex.Context) error {
		return ctx.JSON(http.StatusOK, map[string]string{"message": "pong"})
	})
	router.GET("/hello/:name", func(ctx *duplex.Context) error {
		return ctx.JSON(http.StatusOK, map[string]string{
			"message": "Hello, " + ctx.Param("name") + "!",
			"proto":   ctx.Proto(),
			"path":    ctx.Path(),
		})
	})
	router.POST("/echo", func(ctx *duplex.Context) error {
		ct := ctx.Header().Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		return ctx.Data(http.StatusOK, ct, ctx.BodyBytes())
	})

	api := router.Group("/api/v1")
	api.GET("/users", func(ctx *duplex.Context) error {
		users := []map[string]any{
			{"id": 1, "name": "Alice"},
			{"id": 2, "name": "Bob"},
		}
		return ctx.JSON(http.StatusOK, map[string]any{"users": users, "total": len(users)})
	})
	api.GET("/users/:id", func(ctx *duplex.Context) error {
		id := ctx.Param("id")
		return ctx.JSON(http.StatusOK, map[string]string{"id": id, "name": "User " + id})
	})
	api.POST("/users", func(ctx *duplex.Context) error {
		var user map[string]any
		if err := ctx.BindJSON(&user); err != nil {
			return duplex.NewHTTPError(http.StatusBadRequest, "invalid JSON")
		}
		user["id"] = 3
		return ctx.JSON(http.StatusCreated, map[string]any{"user": user})
	})
}

// echoSocket returns every message it receives until the peer closes.
func echoSocket(logger *zap.Logger) duplex.WebSocketHandler {
	return duplex.WebSocketHandlerFunc(func(_ context.Context, conn *duplex.WebSocketConn) {
		logger.Debug("websocket opened",
			zap.Uint32("stream_id", conn.StreamID()),
			zap.String("subprotocol", conn.Subprotocol()),
			zap.Bool("compressed", conn.Compressed()))
		for {
			op, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if op != ws.OpText && op != ws.OpBinary {
				continue
			}
			if err := conn.WriteMessage(op, msg); err != nil {
				return
			}
		}
	})
}
