package grok

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPrefix                  = "/api"
	apiHealthCheck             = apiPrefix + "/healthcheck"
	apiPathConfig              = "/config"
	apiPathQuit                = "/quit"
	apiPathErrors              = "/errors"
	apiPathError               = "/errors/:id"
	apiPathPersonas            = "/personas"
	apiPathPersona             = "/personas/:id"
	apiPathSummary             = "/summaries/:channel_id"
	apiPathUserPrefs           = "/users/:user_id/prefs"
	apiPathOpenRouterLogs      = "/openrouter/logs"
	apiPathRegisterCommands    = "/discord/register_commands"
	apiDefaultPageLimit        = 25
	apiRuntimeConfigTimeout    = 30 * time.Second
	apiStopSignalTimeout       = 30 * time.Second
	apiBearerPrefix            = "Bearer "
	apiUnauthorizedMessage     = "unauthorized"
	apiForbiddenMessage        = "forbidden"
	apiInvalidQueryMessage     = "invalid query parameters"
	apiRetrieveLogsFailMessage = "error retrieving logs"
)

const (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API serves the admin HTTP endpoints
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the gin engine, middleware and routes, and the
// http.Server that serves them. TLS is only configured when a
// certificate is set.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         logger,
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	h := &APIHandlers{b: b, logger: logger}
	api.handlers = h

	r.GET(apiHealthCheck, h.healthCheck)
	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))

	protected.GET(apiPathConfig, h.getConfig)
	protected.PATCH(apiPathConfig, h.updateRuntimeConfig)
	protected.POST(apiPathQuit, h.botQuit)
	protected.GET(apiPathErrors, h.getErrors)
	protected.GET(apiPathError, h.getError)
	protected.DELETE(apiPathErrors, h.clearErrors)
	protected.GET(apiPathPersonas, h.getPersonas)
	protected.DELETE(apiPathPersona, h.deletePersona)
	protected.GET(apiPathSummary, h.getSummary)
	protected.DELETE(apiPathSummary, h.clearSummary)
	protected.GET(apiPathUserPrefs, h.getUserPrefs)
	protected.PATCH(apiPathUserPrefs, h.updateUserPrefs)
	protected.GET(apiPathOpenRouterLogs, h.getOpenRouterLogs)
	protected.POST(apiPathRegisterCommands, h.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address until the server is shut
// down. The listener is wrapped with TLS when a certificate is set.
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns a copy of the request counts, keyed by
// method and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	m := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		m[k] = v
	}
	return m
}

// APIHandlers holds the route handlers
type APIHandlers struct {
	b      *Bot
	logger *slog.Logger
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	rc := h.b.RuntimeConfig()
	resp := healthCheckResponse{
		Paused:          rc.Paused,
		DigestEnabled:   rc.DigestEnabled,
		TelegramEnabled: h.b.telegram != nil,
		Version:         Version,
		Uptime:          time.Since(h.b.startedAt).Round(time.Second).String(),
	}
	if h.b.discord != nil {
		resp.DiscordGatewayConnected = h.b.discord.Connected()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.RuntimeConfig())
}

// updateRuntimeConfig applies a partial RuntimeConfig update in a
// transaction, validating the result before commit. Other instances
// are notified to reload.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg, statusCode, err := h.b.applyRuntimeConfigUpdate(c.Request.Context(), updateRequest)
	if err != nil {
		logger.ErrorContext(c, "error updating config", tint.Err(err))
		c.JSON(statusCode, httpError{Error: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), apiRuntimeConfigTimeout)
	defer cancel()
	if !h.b.dbNotifier.ReloadRuntimeConfig(ctx) {
		logger.Error("error sending config update notification")
	}
}

// botQuit sends the stop signal to all bot instances
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiStopSignalTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.b.dbNotifier.Stop(ctx)
	}()
	select {
	case sent := <-doneCh:
		if !sent {
			c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

type getErrorsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

func (h *APIHandlers) getErrors(c *gin.Context) {
	var query getErrorsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: apiInvalidQueryMessage})
		return
	}
	if query.Limit == 0 {
		query.Limit = apiDefaultPageLimit
	}
	logs, err := h.b.admin.RecentErrors(c.Request.Context(), query.Limit)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error retrieving error logs", tint.Err(err))
		ginReplyError(c, apiRetrieveLogsFailMessage)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// paramID parses the :id route parameter
func paramID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (h *APIHandlers) getError(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	rec, err := h.b.admin.ErrorDetails(c.Request.Context(), id)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error retrieving error log", tint.Err(err))
		ginReplyError(c, apiRetrieveLogsFailMessage)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "error log not found"})
		return
	}
	c.JSON(http.StatusOK, errorLogDetail{ErrorLog: *rec, Report: FormatErrorReport(*rec)})
}

func (h *APIHandlers) clearErrors(c *gin.Context) {
	if err := h.b.admin.ClearAllErrors(c.Request.Context()); err != nil {
		ginContextLogger(c).ErrorContext(c, "error clearing error logs", tint.Err(err))
		ginReplyError(c, "error clearing error logs")
		return
	}
	ginReplyMessage(c, "error logs cleared")
}

func (h *APIHandlers) getPersonas(c *gin.Context) {
	personas, err := h.b.personas.AllPersonas(c.Request.Context())
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error retrieving personas", tint.Err(err))
		ginReplyError(c, "error retrieving personas")
		return
	}
	c.JSON(http.StatusOK, personas)
}

func (h *APIHandlers) deletePersona(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	name, err := h.b.personas.DeletePersona(c.Request.Context(), id)
	switch {
	case errors.Is(err, errPersonaNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
	case errors.Is(err, errCannotDeleteStandard):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case err != nil:
		ginContextLogger(c).ErrorContext(c, "error deleting persona", tint.Err(err))
		ginReplyError(c, "error deleting persona")
	default:
		ginReplyMessage(c, fmt.Sprintf("deleted persona: %s", name))
	}
}

func (h *APIHandlers) getSummary(c *gin.Context) {
	summary, err := h.b.admin.ChannelSummary(c.Request.Context(), c.Param("channel_id"))
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error retrieving summary", tint.Err(err))
		ginReplyError(c, "error retrieving summary")
		return
	}
	if summary == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "no memory for this channel"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *APIHandlers) clearSummary(c *gin.Context) {
	if err := h.b.admin.ClearChannelSummary(c.Request.Context(), c.Param("channel_id")); err != nil {
		ginContextLogger(c).ErrorContext(c, "error clearing summary", tint.Err(err))
		ginReplyError(c, "error clearing summary")
		return
	}
	ginReplyMessage(c, "memory cleared")
}

func (h *APIHandlers) getUserPrefs(c *gin.Context) {
	pref, err := h.b.admin.UserPref(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error retrieving user prefs", tint.Err(err))
		ginReplyError(c, "error retrieving user prefs")
		return
	}
	c.JSON(http.StatusOK, pref)
}

func (h *APIHandlers) updateUserPrefs(c *gin.Context) {
	log := ginContextLogger(c)
	var update UserPrefUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	pref, err := h.b.admin.UpdateUserPref(c.Request.Context(), c.Param("user_id"), update)
	switch {
	case errors.Is(err, errPersonaNotFound):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	case err != nil:
		log.Error("error updating user prefs", tint.Err(err))
		ginReplyError(c, "error updating user prefs")
	default:
		c.JSON(http.StatusAccepted, pref)
	}
}

// GetOpenRouterLogsQuery filters and pages OpenRouterAPILog records
type GetOpenRouterLogsQuery struct {
	Pagination
	Model string `form:"model"`
}

func (h *APIHandlers) getOpenRouterLogs(c *gin.Context) {
	var query GetOpenRouterLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: apiInvalidQueryMessage})
		return
	}
	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = apiDefaultPageLimit
	}

	log := ginContextLogger(c)

	db := h.b.db.WithContext(c.Request.Context()).Model(&OpenRouterAPILog{})
	if query.Model != "" {
		db = db.Where("model = ?", query.Model)
	}

	var totalCount int64
	if err := db.Count(&totalCount).Error; err != nil {
		log.ErrorContext(c, "error counting openrouter logs", tint.Err(err))
		ginReplyError(c, apiRetrieveLogsFailMessage)
		return
	}

	switch query.Order {
	case Descending:
		db = db.Order("created_at DESC")
	default:
		db = db.Order("created_at ASC")
	}

	var logs []OpenRouterAPILog
	if err := db.Limit(query.Limit).Offset(query.Offset).Find(&logs).Error; err != nil {
		log.ErrorContext(c, "error retrieving openrouter logs", tint.Err(err))
		ginReplyError(c, apiRetrieveLogsFailMessage)
		return
	}

	c.JSON(
		http.StatusOK, gin.H{
			"total":  totalCount,
			"offset": query.Offset,
			"limit":  query.Limit,
			"logs":   logs,
		},
	)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	if h.b.discord == nil {
		c.JSON(http.StatusConflict, httpError{Error: "discord is not configured"})
		return
	}
	log.Info("registering commands")

	created, err := h.b.discord.registerCommands(c.Request.Context())
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Pagination is the common paging query for list endpoints
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort is the created_at ordering for list endpoints
type Sort string

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	DigestEnabled           bool   `json:"digest_enabled"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	TelegramEnabled         bool   `json:"telegram_enabled"`
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime"`
}

type errorLogDetail struct {
	ErrorLog
	Report string `json:"report"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires "Authorization: Bearer <secret>". Requests
// without credentials get 401, and wrong credentials get 403.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		header := c.GetHeader("Authorization")
		if secret == "" || !strings.HasPrefix(header, apiBearerPrefix) {
			logger.Warn("missing credentials")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: apiUnauthorizedMessage},
			)
			return
		}
		token := strings.TrimPrefix(header, apiBearerPrefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.Warn("invalid credentials")
			c.AbortWithStatusJSON(http.StatusForbidden, httpError{Error: apiForbiddenMessage})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a random ID, echoed in the
// X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating it with the request details on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request when it finishes, with its
// duration and response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
				"referer", c.Request.Referer(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// runtimeConfigUpdates converts a RuntimeConfigUpdate to a column map,
// with only the set fields included
func runtimeConfigUpdates(update RuntimeConfigUpdate) (map[string]any, error) {
	data, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("error marshaling update request: %w", err)
	}
	var updates map[string]any
	if err = json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("error unmarshalling update request: %w", err)
	}
	return updates, nil
}

// applyRuntimeConfigUpdate persists update and applies it to the running
// bot. On failure the running config is left unchanged, and the
// returned status code describes the failure.
func (b *Bot) applyRuntimeConfigUpdate(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, int, error) {
	logger := loggerFrom(ctx, b.logger)

	if err := update.validate(); err != nil {
		return b.RuntimeConfig(), http.StatusBadRequest, err
	}
	updates, err := runtimeConfigUpdates(update)
	if err != nil {
		return b.RuntimeConfig(), http.StatusInternalServerError, err
	}

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	previous := *b.runtimeConfig
	updated := previous
	if len(updates) == 0 {
		return updated, http.StatusAccepted, nil
	}
	logger.InfoContext(ctx, "applying runtime config updates", "updates", updates)

	statusCode := http.StatusInternalServerError
	err = b.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if e := tx.Model(&updated).Updates(updates).Error; e != nil {
				return fmt.Errorf("error updating config: %w", e)
			}
			if e := tx.Take(&updated, updated.ID).Error; e != nil {
				return fmt.Errorf("error reloading config: %w", e)
			}
			if e := structValidator.Struct(updated); e != nil {
				statusCode = http.StatusBadRequest
				return fmt.Errorf("error validating config: %w", e)
			}
			return nil
		},
	)
	if err != nil {
		return previous, statusCode, err
	}

	b.runtimeConfig = &updated
	b.applyRuntimeConfig(ctx, previous, updated)
	return updated, http.StatusAccepted, nil
}
