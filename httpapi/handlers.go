package httpapi

import (
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	ledgercmd "github.com/goliatone/go-ledgersync/command"
	"github.com/goliatone/go-ledgersync/core"
	ledgerquery "github.com/goliatone/go-ledgersync/query"
	"github.com/goliatone/go-ledgersync/webhooks"
)

type pairRequest struct {
	BusinessProfileID string `json:"business_profile_id" validate:"required"`
}

type exchangeRequest struct {
	BusinessProfileID string `json:"business_profile_id" validate:"required"`
	Code              string `json:"code" validate:"required_without=CallbackURL"`
	State             string `json:"state" validate:"required_without=CallbackURL"`
	RealmID           string `json:"realm_id"`
	CallbackURL       string `json:"callback_url" validate:"omitempty,url"`
}

type syncRequest struct {
	BusinessProfileID string   `json:"business_profile_id" validate:"required"`
	SyncTypes         []string `json:"sync_types" validate:"omitempty,dive,required"`
	Async             bool     `json:"async"`
}

func (s *Server) handleAuthorizeURL(c *fiber.Ctx) error {
	provider, err := providerParam(c)
	if err != nil {
		return err
	}
	var body pairRequest
	if err := s.bind(c, &body); err != nil {
		return err
	}
	out, err := execute[ledgercmd.BuildAuthorizeURLMessage, core.AuthorizeURLResult](c, s.authorize, ledgercmd.BuildAuthorizeURLMessage{
		BusinessProfileID: body.BusinessProfileID,
		Provider:          provider,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"authorize_url": out.AuthorizeURL, "state": out.State})
}

func (s *Server) handleExchange(c *fiber.Ctx) error {
	provider, err := providerParam(c)
	if err != nil {
		return err
	}
	var body exchangeRequest
	if err := s.bind(c, &body); err != nil {
		return err
	}
	msg := ledgercmd.ExchangeMessage{Request: core.ExchangeRequest{
		BusinessProfileID: body.BusinessProfileID,
		Provider:          provider,
		Code:              body.Code,
		State:             body.State,
		Params:            map[string]string{},
	}}
	if body.RealmID != "" {
		msg.Request.Params["realmId"] = body.RealmID
	}
	if body.CallbackURL != "" {
		if err := applyCallbackURL(&msg.Request, body.CallbackURL); err != nil {
			return err
		}
	}
	out, err := execute[ledgercmd.ExchangeMessage, core.ExchangeResult](c, s.exchange, msg)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	provider, err := providerParam(c)
	if err != nil {
		return err
	}
	msg := ledgerquery.GetStatusMessage{
		BusinessProfileID: strings.TrimSpace(c.Query("business_profile_id")),
		Provider:          provider,
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	view, err := s.status.Query(c.UserContext(), msg)
	if err != nil {
		return err
	}
	return c.JSON(view)
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	provider, err := providerParam(c)
	if err != nil {
		return err
	}
	var body pairRequest
	if err := s.bind(c, &body); err != nil {
		return err
	}
	out, err := execute[ledgercmd.DisconnectMessage, core.DisconnectResult](c, s.disconnect, ledgercmd.DisconnectMessage{
		BusinessProfileID: body.BusinessProfileID,
		Provider:          provider,
	})
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) handleSync(c *fiber.Ctx) error {
	provider, err := providerParam(c)
	if err != nil {
		return err
	}
	var body syncRequest
	if err := s.bind(c, &body); err != nil {
		return err
	}
	var types []core.ResourceType
	if len(body.SyncTypes) > 0 {
		if types, err = core.NormalizeResourceTypes(body.SyncTypes); err != nil {
			return err
		}
	}

	if body.Async {
		if s.submitSync == nil {
			return fiber.NewError(fiber.StatusNotImplemented, "async sync is not configured")
		}
		handle, err := execute[ledgercmd.SubmitSyncMessage, core.JobHandle](c, s.submitSync, ledgercmd.SubmitSyncMessage{
			Request: core.SyncJobRequest{BusinessProfileID: body.BusinessProfileID, Provider: provider, ResourceTypes: types},
		})
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": handle.ID, "status": handle.Status})
	}

	result, err := execute[ledgercmd.RunSyncMessage, core.SyncRunResult](c, s.runSync, ledgercmd.RunSyncMessage{
		Request: core.RunSyncRequest{
			BusinessProfileID: body.BusinessProfileID,
			Provider:          provider,
			ResourceTypes:     types,
			Trigger:           core.SyncTriggerAPI,
		},
	})
	// Aborted runs still report their per-resource outcomes.
	if err != nil && result.RunID == "" {
		return err
	}
	return c.JSON(newSyncRunResponse(result))
}

func (s *Server) handleGetRun(c *fiber.Ctx) error {
	if s.getRun == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "sync run history is not configured")
	}
	msg := ledgerquery.GetSyncRunMessage{RunID: strings.TrimSpace(c.Params("run_id"))}
	if err := msg.Validate(); err != nil {
		return err
	}
	run, err := s.getRun.Query(c.UserContext(), msg)
	if err != nil {
		return err
	}
	return c.JSON(newSyncRunView(run))
}

func (s *Server) handleListTransactions(c *fiber.Ctx) error {
	if s.transactions == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "record listing is not configured")
	}
	filter, err := recordFilter(c)
	if err != nil {
		return err
	}
	msg := ledgerquery.ListTransactionsMessage{Filter: filter}
	if err := msg.Validate(); err != nil {
		return err
	}
	page, err := s.transactions.Query(c.UserContext(), msg)
	if err != nil {
		return err
	}
	items := make([]transactionView, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, newTransactionView(item))
	}
	return c.JSON(listResponse[transactionView]{Items: items, PageInfo: page.Page})
}

func (s *Server) handleListInvoices(c *fiber.Ctx) error {
	if s.invoices == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "record listing is not configured")
	}
	filter, err := recordFilter(c)
	if err != nil {
		return err
	}
	msg := ledgerquery.ListInvoicesMessage{Filter: filter}
	if err := msg.Validate(); err != nil {
		return err
	}
	page, err := s.invoices.Query(c.UserContext(), msg)
	if err != nil {
		return err
	}
	items := make([]invoiceView, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, newInvoiceView(item))
	}
	return c.JSON(listResponse[invoiceView]{Items: items, PageInfo: page.Page})
}

// bind decodes the JSON body and runs struct validation.
func (s *Server) handleWebhook(c *fiber.Ctx) error {
	if s.webhooks == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "webhooks are not configured")
	}
	provider, err := providerParam(c)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})
	result, err := s.webhooks.Process(c.UserContext(), webhooks.Delivery{
		Provider: provider,
		Headers:  headers,
		Body:     append([]byte(nil), c.Body()...),
	})
	if err != nil {
		return err
	}
	return c.Status(result.StatusCode).JSON(result)
}

func (s *Server) bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return core.NewBadInputError("request body must be valid JSON")
	}
	if err := s.validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if goerrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return core.NewBadInputError(snakeCase(first.Field()) + " failed " + first.Tag() + " validation")
		}
		return core.NewBadInputError(err.Error())
	}
	return nil
}

// execute runs a command and returns the result it stored, if any.
func execute[M any, R any](c *fiber.Ctx, cmd gocmd.Commander[M], msg M) (R, error) {
	var zero R
	if validating, ok := any(msg).(interface{ Validate() error }); ok {
		if err := validating.Validate(); err != nil {
			return zero, err
		}
	}
	collector := gocmd.NewResult[R]()
	ctx := gocmd.ContextWithResult(c.UserContext(), collector)
	err := cmd.Execute(ctx, msg)
	out, _ := collector.Load()
	return out, err
}

func providerParam(c *fiber.Ctx) (core.ProviderID, error) {
	raw, err := url.PathUnescape(c.Params("provider"))
	if err != nil {
		return "", core.NewProviderNotFoundError(c.Params("provider"))
	}
	return core.ParseProviderID(raw)
}

// applyCallbackURL fills code, state and realmId from the redirect the
// provider sent the user back to. Explicit fields win.
func applyCallbackURL(req *core.ExchangeRequest, callbackURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(callbackURL))
	if err != nil {
		return core.NewBadInputError("callback_url is not a valid url")
	}
	query := parsed.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		return core.NewAuthError("provider denied authorization: "+providerErr, nil)
	}
	if req.Code == "" {
		req.Code = query.Get("code")
	}
	if req.State == "" {
		req.State = query.Get("state")
	}
	if realm := query.Get("realmId"); realm != "" {
		if _, ok := req.Params["realmId"]; !ok {
			req.Params["realmId"] = realm
		}
	}
	if req.Code == "" || req.State == "" {
		return core.NewBadInputError("callback_url is missing code or state")
	}
	return nil
}

func recordFilter(c *fiber.Ctx) (core.RecordFilter, error) {
	filter := core.RecordFilter{
		BusinessProfileID: strings.TrimSpace(c.Query("business_profile_id")),
		SinceField:        core.SinceField(strings.TrimSpace(c.Query("since_field"))),
		Limit:             c.QueryInt("limit", 0),
		Offset:            c.QueryInt("offset", 0),
	}
	if raw := strings.TrimSpace(c.Query("provider")); raw != "" {
		provider, err := core.ParseProviderID(raw)
		if err != nil {
			return core.RecordFilter{}, err
		}
		filter.Provider = provider
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, ok := parseSince(raw)
		if !ok {
			return core.RecordFilter{}, core.NewBadInputError("since must be RFC3339 or YYYY-MM-DD")
		}
		filter.Since = &since
	}
	return filter, nil
}

func parseSince(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func snakeCase(field string) string {
	var b strings.Builder
	for i, ch := range field {
		if ch >= 'A' && ch <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			ch += 'a' - 'A'
		}
		b.WriteRune(ch)
	}
	return strings.ReplaceAll(b.String(), "u_r_l", "url")
}
