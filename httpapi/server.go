package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	goerrors "github.com/goliatone/go-errors"
	ledgercmd "github.com/goliatone/go-ledgersync/command"
	"github.com/goliatone/go-ledgersync/core"
	ledgerquery "github.com/goliatone/go-ledgersync/query"
	"github.com/goliatone/go-ledgersync/webhooks"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	APIKeyHeader     = "X-Internal-Api-Key"
	defaultBodyLimit = 1 << 20
)

// Credentials is the token lifecycle surface the API drives.
type Credentials interface {
	ledgercmd.CredentialService
	ledgerquery.StatusReader
}

// WebhookProcessor handles provider change notifications.
type WebhookProcessor interface {
	Process(ctx context.Context, delivery webhooks.Delivery) (webhooks.Result, error)
}

// Services are the collaborators behind the routes. Trigger, Runs, Records
// and Webhooks are optional; their routes answer 501 when unset.
type Services struct {
	Credentials Credentials
	Runner      core.SyncRunner
	Trigger     core.JobTrigger
	Runs        ledgerquery.SyncRunReader
	Records     ledgerquery.RecordReader
	Webhooks    WebhookProcessor
}

type Config struct {
	// APIKey enables the shared-secret check on /internal routes.
	APIKey         string
	BodyLimit      int
	MetricsHandler http.Handler
	Logger         glog.Logger
	LoggerProvider glog.LoggerProvider
	Metrics        core.MetricsRecorder
}

type Server struct {
	app      *fiber.App
	config   Config
	validate *validator.Validate
	observer core.Observer

	authorize  *ledgercmd.BuildAuthorizeURLCommand
	exchange   *ledgercmd.ExchangeCommand
	disconnect *ledgercmd.DisconnectCommand
	runSync    *ledgercmd.RunSyncCommand
	submitSync *ledgercmd.SubmitSyncCommand

	status       *ledgerquery.GetStatusQuery
	getRun       *ledgerquery.GetSyncRunQuery
	transactions *ledgerquery.ListTransactionsQuery
	invoices     *ledgerquery.ListInvoicesQuery
	webhooks     WebhookProcessor
}

func New(services Services, cfg Config) (*Server, error) {
	if services.Credentials == nil {
		return nil, fmt.Errorf("httpapi: credential service is required")
	}
	if services.Runner == nil {
		return nil, fmt.Errorf("httpapi: sync runner is required")
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaultBodyLimit
	}
	_, logger := glog.Resolve("ledgersync.httpapi", cfg.LoggerProvider, cfg.Logger)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}

	s := &Server{
		config:   cfg,
		validate: validator.New(),
		observer: core.Observer{Logger: logger, Metrics: metrics, Prefix: "ledgersync.http"},

		authorize:  ledgercmd.NewBuildAuthorizeURLCommand(services.Credentials),
		exchange:   ledgercmd.NewExchangeCommand(services.Credentials),
		disconnect: ledgercmd.NewDisconnectCommand(services.Credentials),
		runSync:    ledgercmd.NewRunSyncCommand(services.Runner),
		status:     ledgerquery.NewGetStatusQuery(services.Credentials),
		webhooks:   services.Webhooks,
	}
	if services.Trigger != nil {
		s.submitSync = ledgercmd.NewSubmitSyncCommand(services.Trigger)
	}
	if services.Runs != nil {
		s.getRun = ledgerquery.NewGetSyncRunQuery(services.Runs)
	}
	if services.Records != nil {
		s.transactions = ledgerquery.NewListTransactionsQuery(services.Records)
		s.invoices = ledgerquery.NewListInvoicesQuery(services.Records)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "ledgersync",
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New(), s.observeRequests)
	s.routes()
	return s, nil
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if s.config.MetricsHandler != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.config.MetricsHandler))
	}

	// Providers sign their deliveries; the internal API key does not apply.
	s.app.Post("/webhooks/:provider", s.handleWebhook)

	internal := s.app.Group("/internal", s.requireAPIKey)

	oauth := internal.Group("/oauth/:provider")
	oauth.Post("/authorize-url", s.handleAuthorizeURL)
	oauth.Post("/exchange", s.handleExchange)
	oauth.Get("/status", s.handleStatus)
	oauth.Post("/disconnect", s.handleDisconnect)

	internal.Get("/sync/runs/:run_id", s.handleGetRun)
	internal.Post("/sync/:provider", s.handleSync)

	internal.Get("/data/bank-transactions", s.handleListTransactions)
	internal.Get("/data/invoices", s.handleListInvoices)
}

// requireAPIKey is a no-op unless an API key is configured.
func (s *Server) requireAPIKey(c *fiber.Ctx) error {
	expected := strings.TrimSpace(s.config.APIKey)
	if expected == "" {
		return c.Next()
	}
	provided := strings.TrimSpace(c.Get(APIKeyHeader))
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return core.NewAuthError("invalid internal api key", nil)
	}
	return c.Next()
}

func (s *Server) observeRequests(c *fiber.Ctx) error {
	startedAt := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		status = core.MapError(err).Code
	}
	fields := map[string]any{
		"method": c.Method(),
		"path":   c.Path(),
		"status": status,
	}
	if provider := c.Params("provider"); provider != "" {
		fields["provider"] = provider
	}
	s.observer.ObserveOperation(c.UserContext(), startedAt, "request", err, fields)
	return err
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	TextCode string `json:"text_code"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var mapped *goerrors.Error
	var fiberErr *fiber.Error
	if goerrors.As(err, &fiberErr) {
		switch fiberErr.Code {
		case fiber.StatusNotFound:
			mapped = core.NewNotFoundError(fiberErr.Message, nil)
		case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest:
			mapped = core.NewBadInputError(fiberErr.Message)
			mapped.Code = fiberErr.Code
		default:
			mapped = core.MapError(err)
			mapped.Code = fiberErr.Code
		}
	} else {
		mapped = core.MapError(err)
	}

	code := mapped.Code
	if code < 400 || code > 599 {
		code = fiber.StatusInternalServerError
	}
	message := mapped.Message
	if code >= 500 && core.KindOf(mapped) == core.KindInternal {
		message = "An unexpected error occurred"
	}
	kind := core.KindOf(mapped)
	if kind == core.KindUnknown {
		kind = core.KindInternal
	}
	if code >= 500 {
		s.observer.LogError(c.UserContext(), "request failed", map[string]any{
			"path":  c.Path(),
			"error": err.Error(),
		})
	}
	return c.Status(code).JSON(errorBody{Error: errorDetail{
		Kind:     string(kind),
		Message:  message,
		TextCode: mapped.TextCode,
	}})
}
