// Package server exposes the dashboard HTTP API over the lifecycle engine.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dutyline/internal/engine"
	"dutyline/internal/pipeline"
	"dutyline/internal/repo"
	"dutyline/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Pipeline pipeline.Pipeline
	Store    *storage.ProofStore
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot claim task in status pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dutyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Dutyline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Engine, cfg.Store)
	registerSchedules(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerTick(group, cfg.Pipeline)

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
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot") && strings.Contains(lowered, "status"),
		strings.Contains(lowered, "only the assignee"),
		strings.Contains(lowered, "not overdue"),
		strings.Contains(lowered, "do not expire"),
		strings.Contains(lowered, "assigned, not claimed"),
		strings.Contains(lowered, "deadline passed"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "malformed"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		} `json:"body"`
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status"`
			} `json:"body"`
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerTasks(api huma.API, e engine.Engine, store *storage.ProofStore) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			Type:               input.Body.Type,
			PointsValue:        input.Body.PointsValue,
			AssignedTo:         input.Body.AssignedTo,
			DueAt:              input.Body.DueAt,
			UnlockAt:           input.Body.UnlockAt,
			ExecutionLimitDays: input.Body.ExecutionLimitDays,
			ActorID:            p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Type       string `query:"type"`
		AssignedTo string `query:"assigned_to"`
		ScheduleID string `query:"schedule_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []TaskResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		f := repo.TaskFilters{
			AssignedTo: input.AssignedTo,
			ScheduleID: input.ScheduleID,
			Limit:      input.Limit,
		}
		if input.Status != "" {
			f.Statuses = []string{input.Status}
		}
		if input.Type != "" {
			f.Types = []string{input.Type}
		}
		tasks, err := e.Repo.ListTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []TaskResponse `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = mapTasks(tasks)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		// proof object cleanup is best effort
		if store != nil && t.ProofKey != nil {
			_ = store.Delete(ctx, *t.ProofKey)
		}
		return &struct{}{}, nil
	})

	type taskActionOutput struct {
		Body TaskResponse `json:"body"`
	}
	lifecycle := func(opID, pathSuffix, summary string, run func(ctx context.Context, taskID string) (TaskResponse, huma.StatusError)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/tasks/{id}/" + pathSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*taskActionOutput, error) {
			body, herr := run(ctx, input.ID)
			if herr != nil {
				return nil, herr
			}
			return &taskActionOutput{Body: body}, nil
		})
	}

	lifecycle("claim-task", "claim", "Claim task", func(ctx context.Context, id string) (TaskResponse, huma.StatusError) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return TaskResponse{}, authErr
		}
		t, err := e.Claim(ctx, engine.ClaimOptions{TaskID: id, ActorID: actorID})
		if err != nil {
			return TaskResponse{}, handleError(err)
		}
		return taskResponse(t), nil
	})

	lifecycle("unclaim-task", "unclaim", "Unclaim task", func(ctx context.Context, id string) (TaskResponse, huma.StatusError) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return TaskResponse{}, authErr
		}
		t, err := e.Unclaim(ctx, engine.ClaimOptions{TaskID: id, ActorID: actorID})
		if err != nil {
			return TaskResponse{}, handleError(err)
		}
		return taskResponse(t), nil
	})

	lifecycle("approve-task", "approve", "Approve task", func(ctx context.Context, id string) (TaskResponse, huma.StatusError) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return TaskResponse{}, authErr
		}
		t, err := e.Approve(ctx, engine.ReviewOptions{TaskID: id, VerifierID: p.ActorID})
		if err != nil {
			return TaskResponse{}, handleError(err)
		}
		return taskResponse(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-proof",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/submit",
		Summary:     "Submit proof",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SubmitProofRequest `json:"body"`
	}) (*taskActionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SubmitProof(ctx, engine.SubmitOptions{TaskID: input.ID, ActorID: actorID, ProofKey: input.Body.ProofKey})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskActionOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*taskActionOutput, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reject(ctx, engine.ReviewOptions{TaskID: input.ID, VerifierID: p.ActorID, Reason: input.Body.Reason})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskActionOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reassign",
		Summary:     "Reassign task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ReassignRequest `json:"body"`
	}) (*taskActionOutput, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reassign(ctx, engine.ReassignOptions{TaskID: input.ID, NewAssignee: input.Body.AssignedTo, ActorID: p.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskActionOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "proof-url",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/proof-url",
		Summary:     "Presigned URL for the submitted proof",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProofURLResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if store == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "proof storage not configured", nil)
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.ProofKey == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task has no submitted proof", nil)
		}
		url, err := store.SignedURL(ctx, *t.ProofKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProofURLResponse `json:"body"`
		}{Body: ProofURLResponse{URL: url}}, nil
	})
}

func registerSchedules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-schedule",
		Method:        http.MethodPost,
		Path:          "/schedules",
		Summary:       "Create schedule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateScheduleRequest `json:"body"`
	}) (*struct {
		Body ScheduleResponse `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSchedule(ctx, engine.ScheduleCreateOptions{
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			RecurrenceRule:     input.Body.RecurrenceRule,
			LeadTimeHours:      input.Body.LeadTimeHours,
			TaskType:           input.Body.TaskType,
			PointsValue:        input.Body.PointsValue,
			AssignedTo:         input.Body.AssignedTo,
			ExecutionLimitDays: input.Body.ExecutionLimitDays,
			ActorID:            p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScheduleResponse `json:"body"`
		}{Body: scheduleResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/schedules",
		Summary:     "List schedules",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active"`
	}) (*struct {
		Body struct {
			Items []ScheduleResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		schedules, err := e.Repo.ListSchedules(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []ScheduleResponse `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = make([]ScheduleResponse, 0, len(schedules))
		for _, s := range schedules {
			resp.Body.Items = append(resp.Body.Items, scheduleResponse(s))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}",
		Summary:     "Get schedule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ScheduleResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSchedule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScheduleResponse `json:"body"`
		}{Body: scheduleResponse(s)}, nil
	})

	setActive := func(opID, suffix, summary string, active bool) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/schedules/{id}/" + suffix,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusForbidden},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body ScheduleResponse `json:"body"`
		}, error) {
			if _, authErr := requireAdmin(ctx); authErr != nil {
				return nil, authErr
			}
			if err := e.Repo.SetScheduleActive(ctx, input.ID, active, e.Now().UTC()); err != nil {
				return nil, handleError(err)
			}
			s, err := e.Repo.GetSchedule(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ScheduleResponse `json:"body"`
			}{Body: scheduleResponse(s)}, nil
		})
	}
	setActive("activate-schedule", "activate", "Activate schedule", true)
	setActive("deactivate-schedule", "deactivate", "Deactivate schedule", false)
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "member-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger/{member_id}",
		Summary:     "Member points balance and entries",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		balance, err := e.Repo.MemberBalance(ctx, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListPointEntries(ctx, input.MemberID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := BalanceResponse{MemberID: input.MemberID, Balance: balance, Entries: []PointEntryResponse{}}
		for _, entry := range entries {
			resp.Entries = append(resp.Entries, PointEntryResponse(entry))
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events",
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit" default:"20"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
	}) (*struct {
		Body struct {
			Items []EventResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		events, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []EventResponse `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = make([]EventResponse, 0, len(events))
		for _, evt := range events {
			resp.Body.Items = append(resp.Body.Items, EventResponse(evt))
		}
		return resp, nil
	})
}

func registerTick(api huma.API, p pipeline.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "run-tick",
		Method:      http.MethodPost,
		Path:        "/tick",
		Summary:     "Run the escalation pipeline once",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Reports []JobReportResponse `json:"reports"`
		} `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		reports := p.Run(ctx)
		resp := &struct {
			Body struct {
				Reports []JobReportResponse `json:"reports"`
			} `json:"body"`
		}{}
		for _, r := range reports {
			jr := JobReportResponse{Job: r.Job, Processed: r.Processed}
			for _, e := range r.Errors {
				jr.Errors = append(jr.Errors, e.Error())
			}
			resp.Body.Reports = append(resp.Body.Reports, jr)
		}
		return resp, nil
	})
}
