package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stockreq/internal/app"
	"stockreq/internal/domain"
	"stockreq/internal/engine"
	"stockreq/internal/engine/auth"
	"stockreq/internal/metrics"
	"stockreq/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Metrics  *metrics.Recorder
	BasePath string
	Auth     AuthConfig
	// Now stamps dev tokens; defaults to time.Now.
	Now func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"item 1f0c: item is shortage, not pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"entity\":\"item\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var standardErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// New returns an HTTP handler exposing the requisition API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Repo.DB == nil {
		return nil, errors.New("server: repo database required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		code := ""
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures share the engine's validation status.
			status = http.StatusBadRequest
			code = "validation_failed"
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(captureRequest)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Stock Requisition API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerRequisitions(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerProducts(group, cfg.Repo)
	registerEvents(group, cfg.Repo)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Repo)
	if cfg.Auth.EnableDevLogin {
		cfg.Auth.logger().Printf("auth: WARNING: dev login enabled; any caller can mint a token for any actor")
		registerDevAuth(group, cfg.Auth, cfg.Now)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// maxRequestBody caps every request body.
const maxRequestBody = 1 << 20

// captureRequest keeps the raw request and body reachable from huma handlers,
// which only see decoded inputs.
func captureRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large",
					fmt.Sprintf("request body exceeds %d bytes", maxRequestBody), nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable request body", nil))
			return
		}
		req.Body = io.NopCloser(bytes.NewReader(raw))
		ctx := context.WithValue(req.Context(), requestKey{}, req)
		next.ServeHTTP(w, req.WithContext(context.WithValue(ctx, bodyBytesKey{}, raw)))
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error kinds onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch engine.Classify(err) {
	case engine.KindValidation:
		var ve engine.ValidationError
		errors.As(err, &ve)
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	case engine.KindPermission:
		var pe auth.PermissionError
		errors.As(err, &pe)
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": string(pe.Operation)})
	case engine.KindNotFound:
		var ne engine.NotFoundError
		errors.As(err, &ne)
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": ne.Kind, "id": ne.ID})
	case engine.KindConflict:
		var ce engine.StateConflictError
		errors.As(err, &ce)
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), map[string]any{"entity": ce.Entity, "id": ce.ID})
	case engine.KindStore:
		return newAPIError(http.StatusInternalServerError, "store_error", "store error", map[string]any{"error": err.Error()})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "state_conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, rec *metrics.Recorder) {
	if rec == nil {
		return
	}
	r.Handle("/metrics", rec.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func pathOperations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete, item.Head, item.Options, item.Trace} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	errResp := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for _, item := range oas.Paths {
		for _, op := range pathOperations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errResp
		}
	}
}

// applyAuthSecurity declares bearer and API key schemes and marks every
// operation as requiring one of them, except the public routes.
func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	required := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = required
	for route, item := range oas.Paths {
		public := route == path.Join("/", basePath, "health") || route == path.Join("/", basePath, "auth/dev/login")
		for _, op := range pathOperations(item) {
			if public {
				op.Security = []map[string][]string{}
			} else {
				op.Security = required
			}
		}
	}
}

const swaggerPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Stock Requisition API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});</script>
</body>
</html>`

func swaggerHTML(basePath string) string {
	return fmt.Sprintf(swaggerPage, path.Join("/", basePath, "openapi.json"))
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type requisitionOutput struct {
	Body RequisitionResponse `json:"body"`
}

func requisitionResult(agg domain.Aggregate, err error) (*requisitionOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &requisitionOutput{Body: requisitionResponse(agg)}, nil
}

func registerRequisitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-requisition",
		Method:        http.MethodPost,
		Path:          "/stores/{store_id}/requisitions",
		Summary:       "Create requisition",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string                   `path:"store_id"`
		Body    CreateRequisitionRequest `json:"body"`
	}) (*requisitionOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items := make([]engine.ItemRequest, 0, len(input.Body.Items))
		for i, it := range input.Body.Items {
			qty, err := parseQuantity(fmt.Sprintf("items[%d].quantity", i), it.Quantity)
			if err != nil {
				return nil, handleError(err)
			}
			items = append(items, engine.ItemRequest{ProductID: it.ProductID, Quantity: qty, Observations: it.Observations})
		}
		return requisitionResult(e.CreateRequisition(ctx, engine.CreateRequisitionOptions{
			ActorID:              actorID,
			StoreID:              input.StoreID,
			Sector:               input.Body.Sector,
			RequesterID:          input.Body.RequesterID,
			Observations:         input.Body.Observations,
			ExpectedDeliveryDate: input.Body.ExpectedDeliveryDate,
			Shift:                input.Body.Shift,
			Items:                items,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requisitions",
		Method:      http.MethodGet,
		Path:        "/stores/{store_id}/requisitions",
		Summary:     "List requisitions, newest first",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID     string `path:"store_id"`
		Status      string `query:"status" enum:"pending,separated,delivered,cancelled"`
		RequesterID string `query:"requester_id"`
		Sector      string `query:"sector"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor" doc:"Number of the last requisition of the previous page"`
	}) (*struct {
		Body paginatedRequisitions `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "validation_failed", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		aggs, err := e.ListRequisitions(ctx, engine.ListOptions{
			StoreID:     input.StoreID,
			Status:      input.Status,
			RequesterID: input.RequesterID,
			Sector:      input.Sector,
			Limit:       limit + 1,
			Cursor:      cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequisitions{}
		if len(aggs) > limit {
			aggs = aggs[:limit]
			resp.NextCursor = strconv.FormatInt(aggs[limit-1].Number, 10)
		}
		resp.Items = mapRequisitions(aggs)
		return &struct {
			Body paginatedRequisitions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-requisition",
		Method:      http.MethodGet,
		Path:        "/stores/{store_id}/requisitions/{id}",
		Summary:     "Get requisition with items",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string `path:"store_id"`
		ID      string `path:"id"`
	}) (*requisitionOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return requisitionResult(e.GetRequisition(ctx, input.StoreID, input.ID))
	})

	type headerInput struct {
		StoreID string          `path:"store_id"`
		ID      string          `path:"id"`
		Body    *VersionRequest `json:"body,omitempty" required:"false"`
	}
	ref := func(ctx context.Context, input *headerInput) (engine.RequisitionRef, huma.StatusError) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return engine.RequisitionRef{}, authErr
		}
		r := engine.RequisitionRef{ActorID: actorID, StoreID: input.StoreID, RequisitionID: input.ID}
		if input.Body != nil {
			r.ExpectedVersion = input.Body.ExpectedVersion
		}
		return r, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "register-delivery",
		Method:      http.MethodPost,
		Path:        "/stores/{store_id}/requisitions/{id}/deliver",
		Summary:     "Register delivery of separated items",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *headerInput) (*requisitionOutput, error) {
		r, authErr := ref(ctx, input)
		if authErr != nil {
			return nil, authErr
		}
		return requisitionResult(e.RegisterDelivery(ctx, r))
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-receipt",
		Method:      http.MethodPost,
		Path:        "/stores/{store_id}/requisitions/{id}/confirm",
		Summary:     "Confirm receipt of a delivered requisition",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *headerInput) (*requisitionOutput, error) {
		r, authErr := ref(ctx, input)
		if authErr != nil {
			return nil, authErr
		}
		return requisitionResult(e.ConfirmReceipt(ctx, r))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-requisition",
		Method:      http.MethodPost,
		Path:        "/stores/{store_id}/requisitions/{id}/cancel",
		Summary:     "Cancel requisition",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string                    `path:"store_id"`
		ID      string                    `path:"id"`
		Body    *CancelRequisitionRequest `json:"body,omitempty" required:"false"`
	}) (*requisitionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CancelRequisitionOptions{
			RequisitionRef: engine.RequisitionRef{ActorID: actorID, StoreID: input.StoreID, RequisitionID: input.ID},
		}
		if input.Body != nil {
			opts.Reason = input.Body.Reason
			opts.ExpectedVersion = input.Body.ExpectedVersion
		}
		return requisitionResult(e.CancelRequisition(ctx, opts))
	})
}

func registerItems(api huma.API, e engine.Engine) {
	itemRef := func(ctx context.Context, storeID, itemID string, version int64) (engine.ItemRef, huma.StatusError) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return engine.ItemRef{}, authErr
		}
		return engine.ItemRef{ActorID: actorID, StoreID: storeID, ItemID: itemID, ExpectedVersion: version}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "separate-item",
		Method:      http.MethodPost,
		Path:        "/stores/{store_id}/items/{item_id}/separate",
		Summary:     "Separate stock for a pending item",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string              `path:"store_id"`
		ItemID  string              `path:"item_id"`
		Body    SeparateItemRequest `json:"body"`
	}) (*requisitionOutput, error) {
		ref, authErr := itemRef(ctx, input.StoreID, input.ItemID, input.Body.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		qty, err := parseQuantity("quantity", input.Body.Quantity)
		if err != nil {
			return nil, handleError(err)
		}
		return requisitionResult(e.SeparateItem(ctx, engine.SeparateItemOptions{
			ItemRef:      ref,
			Quantity:     qty,
			Observations: input.Body.Observations,
		}))
	})

	type noteInput struct {
		StoreID string          `path:"store_id"`
		ItemID  string          `path:"item_id"`
		Body    ItemNoteRequest `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "mark-shortage",
		Method:      http.MethodPost,
		Path:        "/stores/{store_id}/items/{item_id}/shortage",
		Summary:     "Mark a pending item as short",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *noteInput) (*requisitionOutput, error) {
		ref, authErr := itemRef(ctx, input.StoreID, input.ItemID, input.Body.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		return requisitionResult(e.MarkShortage(ctx, engine.MarkShortageOptions{ItemRef: ref, Observations: input.Body.Observations}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-item",
		Method:      http.MethodPost,
		Path:        "/stores/{store_id}/items/{item_id}/cancel",
		Summary:     "Cancel a pending item",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *noteInput) (*requisitionOutput, error) {
		ref, authErr := itemRef(ctx, input.StoreID, input.ItemID, input.Body.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		return requisitionResult(e.CancelItem(ctx, engine.CancelItemOptions{ItemRef: ref, Observations: input.Body.Observations}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-item-quantity",
		Method:      http.MethodPost,
		Path:        "/stores/{store_id}/items/{item_id}/adjust",
		Summary:     "Adjust the requested quantity of an item",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string                `path:"store_id"`
		ItemID  string                `path:"item_id"`
		Body    AdjustQuantityRequest `json:"body"`
	}) (*requisitionOutput, error) {
		ref, authErr := itemRef(ctx, input.StoreID, input.ItemID, input.Body.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		qty, err := parseQuantity("new_quantity", input.Body.NewQuantity)
		if err != nil {
			return nil, handleError(err)
		}
		return requisitionResult(e.AdjustItemQuantity(ctx, engine.AdjustQuantityOptions{
			ItemRef:       ref,
			NewQuantity:   qty,
			Justification: input.Body.Justification,
		}))
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "store-stats",
		Method:      http.MethodGet,
		Path:        "/stores/{store_id}/stats",
		Summary:     "Requisition counts by status",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string `path:"store_id"`
	}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.Stats(ctx, input.StoreID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerProducts(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-product",
		Method:        http.MethodPost,
		Path:          "/stores/{store_id}/products",
		Summary:       "Add catalog product",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string            `path:"store_id"`
		Body    AddProductRequest `json:"body"`
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" || strings.TrimSpace(input.Body.Unit) == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "name and unit are required", nil)
		}
		p, err := app.AddProduct(ctx, r, actorID, domain.Product{
			ID:       input.Body.ID,
			StoreID:  input.StoreID,
			Name:     input.Body.Name,
			Unit:     input.Body.Unit,
			Category: input.Body.Category,
			Code:     input.Body.Code,
			Barcode:  input.Body.Barcode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/stores/{store_id}/products",
		Summary:     "List catalog products",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string `path:"store_id"`
	}) (*struct {
		Body []domain.Product `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := r.ListProducts(ctx, input.StoreID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Product `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/stores/{store_id}/events",
		Summary:     "Audit log; newest first without a cursor, oldest first after one",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		StoreID string `path:"store_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor" doc:"Return events with a greater id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		resp := paginatedEvents{Items: []EventResponse{}}
		var (
			items []domain.Event
			err   error
		)
		if input.Cursor == "" {
			items, err = r.LatestEvents(ctx, input.StoreID, limit)
		} else {
			after, perr := strconv.ParseInt(input.Cursor, 10, 64)
			if perr != nil || after < 0 {
				return nil, newAPIError(http.StatusBadRequest, "validation_failed", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			items, err = r.EventsAfter(ctx, input.StoreID, after, limit+1)
			if err == nil && len(items) > limit {
				items = items[:limit]
				resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			}
		}
		if err != nil {
			return nil, handleError(err)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	type roleInput struct {
		StoreID string      `path:"store_id"`
		Body    RoleRequest `json:"body"`
	}
	roleOptions := func(ctx context.Context, input *roleInput) (engine.RoleOptions, huma.StatusError) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return engine.RoleOptions{}, authErr
		}
		return engine.RoleOptions{
			ActorID:       actorID,
			StoreID:       input.StoreID,
			TargetActorID: input.Body.ActorID,
			RoleID:        input.Body.Role,
		}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/stores/{store_id}/rbac/grant",
		Summary:       "Grant role",
		DefaultStatus: http.StatusNoContent,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *roleInput) (*struct{}, error) {
		opts, authErr := roleOptions(ctx, input)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, opts); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodPost,
		Path:          "/stores/{store_id}/rbac/revoke",
		Summary:       "Revoke role",
		DefaultStatus: http.StatusNoContent,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *roleInput) (*struct{}, error) {
		opts, authErr := roleOptions(ctx, input)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, opts); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerMe(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal, with roles and capabilities when a store is given",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		StoreID string `query:"store_id"`
	}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := MeResponse{
			ActorID:      principal.ActorID,
			Source:       principal.Source,
			StoreID:      input.StoreID,
			Roles:        []string{},
			Capabilities: []string{},
		}
		if input.StoreID != "" {
			roles, err := r.ActorRoles(ctx, input.StoreID, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			actor, err := auth.Service{Roles: r}.Resolve(ctx, input.StoreID, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Roles = nonNilSlice(roles)
			resp.Capabilities = actor.Capabilities.Strings()
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
