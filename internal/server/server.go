package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"eventline/internal/engine"
	"eventline/internal/payment"
	"eventline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"event_full"`
	Message string         `json:"message" example:"event is full"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope used across the API.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Eventline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Eventline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEvents(group, cfg.Engine)
	registerParticipation(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerLog(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrEventFull):
		return newAPIError(http.StatusConflict, "event_full", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyJoined):
		return newAPIError(http.StatusConflict, "already_joined", err.Error(), nil)
	case errors.Is(err, engine.ErrEventNotJoinable):
		return newAPIError(http.StatusBadRequest, "event_not_joinable", err.Error(), nil)
	case errors.Is(err, engine.ErrHostCannotJoin):
		return newAPIError(http.StatusBadRequest, "host_cannot_join", err.Error(), nil)
	case errors.Is(err, engine.ErrNotAParticipant):
		return newAPIError(http.StatusNotFound, "not_a_participant", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "signature"):
		return newAPIError(http.StatusForbidden, "invalid_signature", msg, nil)
	case strings.Contains(lowered, "only host"):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Eventline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
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

type eventPath struct {
	EventID string `path:"event_id"`
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Publish event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateEventRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EventCreateOptions{
			HostID:          userID,
			Title:           input.Body.Title,
			Date:            input.Body.Date,
			MaxParticipants: input.Body.MaxParticipants,
			Price:           input.Body.Price,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Location != nil {
			opts.Location = *input.Body.Location
		}
		ev, err := e.CreateEvent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		HostID string `query:"host_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, input.Status, input.HostID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		ev, err := e.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/cancel",
		Summary:     "Cancel event",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.CancelEvent(ctx, input.EventID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/complete",
		Summary:     "Complete event",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.CompleteEvent(ctx, input.EventID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})
}

func registerParticipation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "join-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/join",
		Summary:     "Join event",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body JoinResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.RequestJoin(ctx, input.EventID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JoinResponse `json:"body"`
		}{Body: joinResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leave-event",
		Method:      http.MethodDelete,
		Path:        "/events/{event_id}/leave",
		Summary:     "Leave event",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.RequestLeave(ctx, input.EventID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-participation",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/check-participation",
		Summary:     "Check participation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body ParticipationResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.CheckParticipation(ctx, input.EventID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ParticipationResponse `json:"body"`
		}{Body: participationResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/participants",
		Summary:     "List participants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body []ParticipantResponse `json:"body"`
	}, error) {
		if _, err := e.GetEvent(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListParticipants(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ParticipantResponse `json:"body"`
		}{Body: mapParticipants(items)}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "payment-webhook",
		Method:      http.MethodPost,
		Path:        "/payments/webhook",
		Summary:     "Payment gateway notification",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body payment.Notification `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		res, err := e.HandleConfirmation(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"intent_id": res.IntentID,
			"outcome":   res.Outcome,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-refunds-due",
		Method:      http.MethodGet,
		Path:        "/payments/refunds-due",
		Summary:     "List payments awaiting refund",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []IntentResponse `json:"body"`
	}, error) {
		items, err := e.ListRefundsDue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []IntentResponse `json:"body"`
		}{Body: mapIntents(items)}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-review",
		Method:        http.MethodPost,
		Path:          "/events/{event_id}/reviews",
		Summary:       "Review a completed event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string              `path:"event_id"`
		Body    CreateReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		comment := ""
		if input.Body.Comment != nil {
			comment = *input.Body.Comment
		}
		rv, err := e.AddReview(ctx, input.EventID, userID, input.Body.Rating, comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(rv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/reviews",
		Summary:     "List reviews",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body []ReviewResponse `json:"body"`
	}, error) {
		if _, err := e.GetEvent(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListReviews(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReviewResponse `json:"body"`
		}{Body: mapReviews(items)}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Latest audit log entries",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []LogEntryResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}
		items, err := e.Repo.LatestLogEntries(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LogEntryResponse `json:"body"`
		}{Body: mapLogEntries(items)}, nil
	})
}
