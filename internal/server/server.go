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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pinklemonade/internal/repo"
	"pinklemonade/internal/stage"
	"pinklemonade/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Manager  workflow.Manager
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_not_allowed"`
	Message string         `json:"message" example:"invalid stage transition discovery -> writing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"discovery\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pink Lemonade workflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Manager.Repo))
	hcfg := huma.DefaultConfig("Pink Lemonade API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", promhttp.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group)
	registerGrants(group, cfg.Manager)
	registerMoves(group, cfg.Manager)
	registerChecklists(group, cfg.Manager)
	registerPipeline(group, cfg.Manager)
	registerEvents(group, cfg.Manager)
	registerOpenAPI(router, api, basePath)

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
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_required_fields", err.Error(), map[string]any{
			"stage":   ve.Stage,
			"missing": ve.Missing,
		})
	}
	var te *workflow.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "transition_not_allowed", err.Error(), map[string]any{
			"from": te.From,
			"to":   te.To,
		})
	}
	if errors.Is(err, workflow.ErrUnknownStage) {
		return newAPIError(http.StatusBadRequest, "invalid_stage", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot be empty"):
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
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pink Lemonade API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerStages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List pipeline stages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []stage.Info `json:"body"`
	}, error) {
		return &struct {
			Body []stage.Info `json:"body"`
		}{Body: stage.All()}, nil
	})
}

func registerGrants(api huma.API, m workflow.Manager) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-grant",
		Method:        http.MethodPost,
		Path:          "/grants",
		Summary:       "Create grant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGrantRequest `json:"body"`
	}) (*struct {
		Body GrantResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.OrgID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id is required", nil)
		}
		if authErr := requireOrgAccess(ctx, input.Body.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := workflow.GrantCreateOptions{
			OrgID:     input.Body.OrgID,
			Title:     input.Body.Title,
			Funder:    input.Body.Funder,
			AmountMin: input.Body.AmountMin,
			AmountMax: input.Body.AmountMax,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Deadline != nil {
			opts.Deadline = *input.Body.Deadline
		}
		if input.Body.Eligibility != nil {
			opts.Eligibility = *input.Body.Eligibility
		}
		g, err := m.CreateGrant(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrantResponse `json:"body"`
		}{Body: grantResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-grants",
		Method:      http.MethodGet,
		Path:        "/grants",
		Summary:     "List grants",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID  string `query:"org_id"`
		Stage  string `query:"stage"`
		Status string `query:"status"`
		Funder string `query:"funder"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedGrants `json:"body"`
	}, error) {
		orgID := input.OrgID
		if orgID == "" {
			if p, ok := principalFromContext(ctx); ok {
				orgID = p.OrgID
			}
		}
		if orgID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id is required", nil)
		}
		if authErr := requireOrgAccess(ctx, orgID); authErr != nil {
			return nil, authErr
		}
		if input.Stage != "" && !stage.Valid(input.Stage) {
			return nil, newAPIError(http.StatusBadRequest, "invalid_stage", "unknown stage: "+input.Stage, nil)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		grants, err := m.Repo.ListGrants(ctx, repo.GrantFilters{
			OrgID:           orgID,
			Stage:           input.Stage,
			Status:          input.Status,
			Funder:          input.Funder,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedGrants{Items: []GrantResponse{}}
		if len(grants) > limit {
			resp.NextCursor = composeCursor(grants[limit].CreatedAt, grants[limit].ID)
			grants = grants[:limit]
		}
		resp.Items = mapGrants(grants)
		return &struct {
			Body paginatedGrants `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-grant",
		Method:      http.MethodGet,
		Path:        "/grants/{id}",
		Summary:     "Get grant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body GrantResponse `json:"body"`
	}, error) {
		g, err := m.Repo.GetGrant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireOrgAccess(ctx, g.OrgID); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body GrantResponse `json:"body"`
		}{Body: grantResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-grant",
		Method:      http.MethodPatch,
		Path:        "/grants/{id}",
		Summary:     "Update grant",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateGrantRequest `json:"body"`
	}) (*struct {
		Body GrantResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		existing, err := m.Repo.GetGrant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireOrgAccess(ctx, existing.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := m.UpdateGrant(ctx, workflow.GrantUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Funder:      input.Body.Funder,
			AmountMin:   input.Body.AmountMin,
			AmountMax:   input.Body.AmountMax,
			Deadline:    input.Body.Deadline,
			Eligibility: input.Body.Eligibility,
			SubmittedAt: input.Body.SubmittedAt,
			AwardAmount: input.Body.AwardAmount,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrantResponse `json:"body"`
		}{Body: grantResponse(g)}, nil
	})
}

func registerMoves(api huma.API, m workflow.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "move-grant",
		Method:      http.MethodPost,
		Path:        "/grants/{id}/move",
		Summary:     "Move grant to a stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID    string           `path:"id"`
		Force bool             `query:"force"`
		Body  MoveGrantRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Stage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage is required", nil)
		}
		existing, err := m.Repo.GetGrant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireOrgAccess(ctx, existing.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := m.MoveToStage(ctx, workflow.MoveOptions{
			GrantID: input.ID,
			Stage:   input.Body.Stage,
			Notes:   input.Body.Notes,
			ActorID: actorID,
			Force:   input.Force,
		})
		if err != nil {
			stageMoves.WithLabelValues(input.Body.Stage, "rejected").Inc()
			return nil, handleError(err)
		}
		stageMoves.WithLabelValues(res.To, "applied").Inc()
		return &struct {
			Body MoveResponse `json:"body"`
		}{Body: moveResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-move-grants",
		Method:      http.MethodPost,
		Path:        "/grants/batch-move",
		Summary:     "Move several grants to a stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Force bool             `query:"force"`
		Body  BatchMoveRequest `json:"body"`
	}) (*struct {
		Body workflow.BatchResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Stage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage is required", nil)
		}
		if len(input.Body.GrantIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "grant_ids is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// Ownership is checked per grant; foreign grants fail individually.
		ids := make([]string, 0, len(input.Body.GrantIDs))
		var denied []workflow.BatchFailure
		for _, id := range input.Body.GrantIDs {
			g, err := m.Repo.GetGrant(ctx, id)
			if err == nil {
				if authErr := requireOrgAccess(ctx, g.OrgID); authErr != nil {
					denied = append(denied, workflow.BatchFailure{GrantID: id, Reason: "grant belongs to a different org"})
					continue
				}
			}
			ids = append(ids, id)
		}
		res, err := m.BatchMove(ctx, ids, input.Body.Stage, input.Body.Notes, actorID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		res.Failed = append(res.Failed, denied...)
		batchMoves.WithLabelValues("moved").Add(float64(len(res.Moved)))
		batchMoves.WithLabelValues("failed").Add(float64(len(res.Failed)))
		return &struct {
			Body workflow.BatchResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerChecklists(api huma.API, m workflow.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "get-grant-checklist",
		Method:      http.MethodGet,
		Path:        "/grants/{id}/checklist",
		Summary:     "Get grant checklist",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body workflow.ChecklistStatus `json:"body"`
	}, error) {
		g, err := m.Repo.GetGrant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireOrgAccess(ctx, g.OrgID); authErr != nil {
			return nil, authErr
		}
		status, err := m.StageChecklist(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.ChecklistStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-grant-checklist-item",
		Method:      http.MethodPatch,
		Path:        "/grants/{id}/checklist/{item_key}",
		Summary:     "Toggle a checklist item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID      string                     `path:"id"`
		ItemKey string                     `path:"item_key"`
		Body    UpdateChecklistItemRequest `json:"body"`
	}) (*struct {
		Body workflow.ChecklistStatus `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		g, err := m.Repo.GetGrant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireOrgAccess(ctx, g.OrgID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := m.UpdateChecklistItem(ctx, input.ID, input.ItemKey, input.Body.Completed, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.ChecklistStatus `json:"body"`
		}{Body: status}, nil
	})
}

func registerPipeline(api huma.API, m workflow.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "org-pipeline",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/pipeline",
		Summary:     "Org pipeline status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body workflow.Pipeline `json:"body"`
	}, error) {
		if authErr := requireOrgAccess(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		p, err := m.PipelineStatus(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.Pipeline `json:"body"`
		}{Body: p}, nil
	})
}

func registerEvents(api huma.API, m workflow.Manager) {
	type eventResponse struct {
		ID         int64           `json:"id"`
		TS         string          `json:"ts"`
		Type       string          `json:"type"`
		OrgID      string          `json:"org_id"`
		EntityKind string          `json:"entity_kind"`
		EntityID   string          `json:"entity_id,omitempty"`
		ActorID    string          `json:"actor_id,omitempty"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-org-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "Latest audit events",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []eventResponse `json:"body"`
	}, error) {
		if authErr := requireOrgAccess(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if _, err := m.Repo.GetOrg(ctx, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		items, err := m.Repo.LatestEvents(ctx, input.OrgID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]eventResponse, 0, len(items))
		for _, e := range items {
			payload := json.RawMessage(nil)
			if e.Payload != "" && json.Valid([]byte(e.Payload)) {
				payload = json.RawMessage(e.Payload)
			}
			out = append(out, eventResponse{
				ID:         e.ID,
				TS:         e.TS,
				Type:       e.Type,
				OrgID:      e.OrgID,
				EntityKind: e.EntityKind,
				EntityID:   e.EntityID,
				ActorID:    e.ActorID,
				Payload:    payload,
			})
		}
		return &struct {
			Body []eventResponse `json:"body"`
		}{Body: out}, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
