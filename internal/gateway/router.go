package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// bodyLimitHeadroom is added to the transport-level body cap so that bodies
// just over MaxBodyBytes still reach handleRecipe, which answers with the
// 413 JSON envelope. Bodies that blow past the headroom too are refused by
// fasthttp itself and the ErrorHandler writes the same envelope.
const bodyLimitHeadroom = 64 << 10

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the public routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start without management endpoints.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	return g.buildServer(mgmt).ListenAndServe(addr)
}

// buildServer assembles the router, middleware chain, and server limits.
// Split out so tests can serve it on an in-memory listener.
func (g *Gateway) buildServer(mgmt *ManagementRoutes) *fasthttp.Server {
	r := router.New()

	r.GET("/v1/token", g.handleToken)
	r.POST("/v1/recipe", g.handleRecipe)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.HandleMethodNotAllowed = true
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"ok":false,"error":"method not allowed"}`)
	}
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"ok":false,"error":"not found"}`)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	return &fasthttp.Server{
		Handler:            handler,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       60 * time.Second,
		MaxRequestBodySize: g.maxBodyBytes + bodyLimitHeadroom,
		ErrorHandler: func(ctx *fasthttp.RequestCtx, err error) {
			if errors.Is(err, fasthttp.ErrBodyTooLarge) {
				ctx.SetStatusCode(fasthttp.StatusRequestEntityTooLarge)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"ok":false,"error":"request body too large"}`)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"ok":false,"error":"invalid request"}`)
		},
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
