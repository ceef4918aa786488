package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine"
)

func registerChat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-project-rooms",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/rooms",
		Summary:     "List the chat rooms of a project",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.ChatRoom `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		rooms, err := e.ListRooms(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChatRoom `json:"body"`
		}{Body: nonNilSlice(rooms)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "available-rooms",
		Method:      http.MethodGet,
		Path:        "/rooms",
		Summary:     "Rooms the caller may enter",
		Errors:      projectErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ChatRoom `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rooms, err := e.AvailableRooms(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChatRoom `json:"body"`
		}{Body: nonNilSlice(rooms)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "open-introduction-room",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/rooms/introduction",
		Summary:       "Open the project's chat rooms",
		DefaultStatus: http.StatusCreated,
		Errors:        projectErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ChatRoom `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		room, err := e.OpenIntroductionRoom(ctx, actor, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChatRoom `json:"body"`
		}{Body: room}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "chat-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/rooms/{room_type}/messages",
		Summary:     "Room messages, newest first",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RoomType  string `path:"room_type" enum:"introduction,negotiation,contract,execution"`
		Limit     int    `query:"limit" default:"50"`
		Offset    int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body ChatHistoryResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msgs, err := e.ChatHistory(ctx, actor, input.ProjectID, domain.RoomType(input.RoomType), input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatHistoryResponse `json:"body"`
		}{Body: ChatHistoryResponse{ProjectID: input.ProjectID, RoomType: input.RoomType, Messages: nonNilSlice(msgs)}}, nil
	})
}

func registerRoomRead(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mark-room-read",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rooms/{room_type}/read",
		Summary:     "Mark every message in a room as read by the caller",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RoomType  string `path:"room_type" enum:"introduction,negotiation,contract,execution"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.MarkRoomRead(ctx, actor, input.ProjectID, domain.RoomType(input.RoomType))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"marked": n}}, nil
	})
}
