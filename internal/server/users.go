package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine"
	"gigmarket/internal/repo"
)

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register a user (admin)",
		DefaultStatus: http.StatusCreated,
		Errors:        projectErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUser(ctx, actor, domain.User{
			ID:          input.Body.ID,
			DisplayName: input.Body.DisplayName,
			Email:       input.Body.Email,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get user",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *userPath) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-subscription",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/subscription",
		Summary:     "Replace a user's subscription (admin)",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		UserID string              `path:"user_id"`
		Body   SubscriptionRequest `json:"body"`
	}) (*struct {
		Body domain.Subscription `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.SetSubscription(ctx, actor, domain.Subscription{
			UserID:        input.UserID,
			PackageName:   input.Body.PackageName,
			MaxBidsPerDay: input.Body.MaxBidsPerDay,
			Status:        input.Body.Status,
			StartDate:     input.Body.StartDate,
			EndDate:       input.Body.EndDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subscription `json:"body"`
		}{Body: sub}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events (admin)",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, actor, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, mapSlice(items, eventResponse)...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
