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

	"workgate/internal/config"
	"workgate/internal/domain"
	"workgate/internal/engine"
	"workgate/internal/repo"
	"workgate/internal/statemachine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"entity wi-1 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Workgate API.
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
			// schema-level request errors are 400; transition validation
			// outcomes travel in the 200 response body, never as HTTP errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(payload))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, payload)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Workgate API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerEntities(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerDependencies(group, cfg.Engine)
	registerBlockers(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStale) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cycle"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "not in project") || strings.Contains(lowered, "different project"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "unknown") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	data, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return data
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

type entityOutput struct {
	Body domain.Entity `json:"body"`
}

type entityListOutput struct {
	Body []domain.Entity `json:"body"`
}

type configOutput struct {
	Body config.Config `json:"body"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Initialize a project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*entityOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*entityOutput, error) {
		p, err := e.Repo.GetEntity(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Type != domain.EntityProject {
			return nil, newAPIError(http.StatusNotFound, "not_found", "project not found", nil)
		}
		return &entityOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get the stored project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*configOutput, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &configOutput{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace the project config and re-seed phase gates",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      config.Config `json:"body"`
	}) (*configOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.Repo.GetEntity(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		if err := e.ImportConfig(ctx, input.ProjectID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &configOutput{Body: cfg}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/entities",
		Summary:       "Create a work item or task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CreateEntityRequest `json:"body"`
	}) (*entityOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entity, err := e.CreateEntity(ctx, engine.EntityCreateOptions{
			ID:          input.Body.ID,
			ProjectID:   input.ProjectID,
			ParentID:    input.Body.ParentID,
			Type:        domain.EntityType(input.Body.Type),
			Kind:        input.Body.Kind,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Metadata:    input.Body.Metadata,
			DependsOn:   input.Body.DependsOn,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: entity}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entities",
		Summary:     "List project entities",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type" enum:"work_item,task,project,"`
	}) (*entityListOutput, error) {
		items, err := e.Repo.ListEntities(ctx, input.ProjectID, domain.EntityType(input.Type))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Entity{}
		}
		return &entityListOutput{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{id}",
		Summary:     "Get an entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*entityOutput, error) {
		entity, err := e.Repo.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: entity}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-children",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/children",
		Summary:     "List direct children",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*entityListOutput, error) {
		if _, err := e.Repo.GetEntity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChildren(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Entity{}
		}
		return &entityListOutput{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity-targets",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/targets",
		Summary:     "Legal target statuses from the current status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TargetsResponse `json:"body"`
	}, error) {
		entity, err := e.Repo.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TargetsResponse `json:"body"`
		}{Body: TargetsResponse{
			EntityID: entity.ID,
			Status:   entity.Status,
			Targets:  statemachine.Targets(entity.Type, entity.Status),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-entity-metadata",
		Method:      http.MethodPatch,
		Path:        "/entities/{id}/metadata",
		Summary:     "Update description and metadata",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body MetadataPatchRequest `json:"body"`
	}) (*entityOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		entity, err := e.SetMetadata(ctx, input.ID, input.Body.Description, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: entity}, nil
	})
}

type transitionOutput struct {
	Body engine.Result `json:"body"`
}

func registerTransitions(api huma.API, e engine.Engine) {
	type transitionInput struct {
		ID   string         `path:"id"`
		Body TransitionBody `json:"body"`
	}
	run := func(ctx context.Context, input *transitionInput, validateOnly bool) (*transitionOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := input.Body.toRequest(input.ID, actorID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		var res engine.Result
		if validateOnly {
			res, err = e.ValidateOnly(ctx, req)
		} else {
			res, err = e.Transition(ctx, req)
		}
		if err != nil && res.Outcome != engine.OutcomeInternal {
			return nil, handleError(err)
		}
		switch res.Outcome {
		case engine.OutcomeNotFound:
			return nil, newAPIError(http.StatusNotFound, "not_found", res.Message, nil)
		case engine.OutcomeInternal:
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": res.Message})
		}
		// OK, REJECTED_VALIDATION and ILLEGAL_TRANSITION all answer 200 with
		// the outcome in the body so clients read a single shape
		return &transitionOutput{Body: res}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "transition-entity",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/transition",
		Summary:     "Request a status or phase transition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *transitionInput) (*transitionOutput, error) {
		return run(ctx, input, false)
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/transition/validate",
		Summary:     "Dry-run a transition without committing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *transitionInput) (*transitionOutput, error) {
		return run(ctx, input, true)
	})
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "patch-entity-dependencies",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/dependencies",
		Summary:     "Add or remove dependency edges",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body DependencyPatchRequest `json:"body"`
	}) (*entityOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Add) == 0 && len(input.Body.Remove) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "add or remove is required", nil)
		}
		var entity domain.Entity
		var err error
		if len(input.Body.Add) > 0 {
			entity, err = e.AddDependencies(ctx, input.ID, input.Body.Add)
			if err != nil {
				return nil, handleError(err)
			}
		}
		if len(input.Body.Remove) > 0 {
			entity, err = e.RemoveDependencies(ctx, input.ID, input.Body.Remove)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &entityOutput{Body: entity}, nil
	})
}

type blockerOutput struct {
	Body domain.Blocker `json:"body"`
}

func registerBlockers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-blocker",
		Method:        http.MethodPost,
		Path:          "/entities/{id}/blockers",
		Summary:       "Open a blocker against an entity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body OpenBlockerRequest `json:"body"`
	}) (*blockerOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		b, err := e.OpenBlocker(ctx, input.ID, input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return &blockerOutput{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-open-blockers",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/blockers",
		Summary:     "List open blockers",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Blocker `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEntity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListOpenBlockers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Blocker{}
		}
		return &struct {
			Body []domain.Blocker `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-blocker",
		Method:      http.MethodPost,
		Path:        "/blockers/{id}/resolve",
		Summary:     "Resolve a blocker",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*blockerOutput, error) {
		b, err := e.ResolveBlocker(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &blockerOutput{Body: b}, nil
	})
}

type ruleOutput struct {
	Body domain.Rule `json:"body"`
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-rule",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/rules/{rule_id}",
		Summary:     "Create or update a rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		RuleID    string            `path:"rule_id"`
		Body      RuleUpsertRequest `json:"body"`
	}) (*ruleOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.Repo.GetEntity(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		enabled := true
		if input.Body.Enabled != nil {
			enabled = *input.Body.Enabled
		}
		rule, err := e.PutRule(ctx, domain.Rule{
			ID:          input.RuleID,
			ProjectID:   input.ProjectID,
			Category:    input.Body.Category,
			Pattern:     input.Body.Pattern,
			Enforcement: input.Body.Enforcement,
			Enabled:     enabled,
			Hint:        input.Body.Hint,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/rules",
		Summary:     "List rules in deterministic id order",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Rule `json:"body"`
	}, error) {
		items, err := e.Repo.ListRules(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Rule{}
		}
		return &struct {
			Body []domain.Rule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-enabled",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Enable or disable a rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   RuleToggleRequest `json:"body"`
	}) (*ruleOutput, error) {
		if input.Body.Enabled == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "enabled is required", nil)
		}
		rule, err := e.SetRuleEnabled(ctx, input.RuleID, *input.Body.Enabled)
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{rule_id}",
		Summary:       "Delete a rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		if err := e.DeleteRule(ctx, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List audit events, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		EntityID  string `query:"entity_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.ProjectID, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
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
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Workgate API Docs</title>
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
  </body>
</html>`, specURL)
}
