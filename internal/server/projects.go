package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/repo"
)

type projectBody struct {
	Body ProjectResponse `json:"body"`
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

var projectErrors = []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError}

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bid",
		Method:        http.MethodPost,
		Path:          "/bids",
		Summary:       "Submit a bid",
		DefaultStatus: http.StatusCreated,
		Errors:        projectErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBidRequest `json:"body"`
	}) (*struct {
		Body BidResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, apiErr := parseAmount("amount", input.Body.Amount)
		if apiErr != nil {
			return nil, apiErr
		}
		b, err := e.CreateBid(ctx, actor, engine.BidCreateOptions{
			ProjectID:    input.Body.ProjectID,
			Amount:       amount,
			Currency:     input.Body.Currency,
			DeliveryDays: input.Body.DeliveryDays,
			Description:  input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidResponse `json:"body"`
		}{Body: bidResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bids",
		Method:      http.MethodGet,
		Path:        "/bids",
		Summary:     "List bids",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID    string `query:"project_id"`
		FreelancerID string `query:"freelancer_id"`
		Status       string `query:"status"`
	}) (*struct {
		Body []BidResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		switch domain.BidStatus(input.Status) {
		case "", domain.BidPending, domain.BidAccepted, domain.BidRejected:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		items, err := e.ListBids(ctx, repo.BidFilters{ProjectID: input.ProjectID, FreelancerID: input.FreelancerID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BidResponse `json:"body"`
		}{Body: mapSlice(items, bidResponse)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bid-quota",
		Method:      http.MethodGet,
		Path:        "/bids/quota",
		Summary:     "Remaining bids today for the caller",
		Errors:      projectErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QuotaResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit, err := e.MaxBidsPerDay(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		remaining, err := e.RemainingBids(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResponse `json:"body"`
		}{Body: QuotaResponse{UserID: actor.ID, MaxBidsPerDay: limit, Remaining: remaining}}, nil
	})
}

type projectTransition func(ctx context.Context, actor auth.Principal, projectID string) (domain.Project, error)

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        projectErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*projectBody, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		budget, apiErr := parseAmount("budget", input.Body.Budget)
		if apiErr != nil {
			return nil, apiErr
		}
		p, err := e.CreateProject(ctx, actor, engine.ProjectCreateOptions{
			Name:         input.Body.Name,
			Description:  input.Body.Description,
			Budget:       budget,
			DurationDays: input.Body.DurationDays,
			Skills:       input.Body.Skills,
			Category:     input.Body.Category,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" default:"50"`
		Offset  int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Status != "" && !domain.ProjectStatus(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		items, err := e.ListProjects(ctx, repo.ProjectFilters{
			OwnerID: input.OwnerID,
			Status:  input.Status,
			Limit:   normalizeLimit(input.Limit),
			Offset:  input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapSlice(items, projectResponse)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *projectPath) (*projectBody, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-bid",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/accept-bid/{bid_id}",
		Summary:     "Accept a bid and fund the project",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		BidID     string `path:"bid_id"`
	}) (*projectBody, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AcceptBid(ctx, actor, input.ProjectID, input.BidID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-bid",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/reject-bid/{bid_id}",
		Summary:     "Reject a pending bid",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		BidID     string `path:"bid_id"`
	}) (*struct {
		Body BidResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.RejectBid(ctx, actor, input.ProjectID, input.BidID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidResponse `json:"body"`
		}{Body: bidResponse(b)}, nil
	})

	transitions := []struct {
		id, method, path, summary string
		op                        projectTransition
	}{
		{"send-to-testing", http.MethodPost, "/projects/{project_id}/send-to-testing", "Pay the freelancer and hold escrow", e.SendProjectToTesting},
		{"complete-project", http.MethodPatch, "/projects/{project_id}/complete", "Complete project and settle", e.CompleteProject},
		{"cancel-project", http.MethodPost, "/projects/{project_id}/cancel", "Cancel project", e.CancelProject},
		{"reject-project", http.MethodPost, "/projects/{project_id}/reject", "Reject project", e.RejectProject},
	}
	for _, t := range transitions {
		op := t.op
		huma.Register(api, huma.Operation{
			OperationID: t.id,
			Method:      t.method,
			Path:        t.path,
			Summary:     t.summary,
			Errors:      projectErrors,
		}, func(ctx context.Context, input *projectPath) (*projectBody, error) {
			actor, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			p, err := op(ctx, actor, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			return &projectBody{Body: projectResponse(p)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "set-project-status",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/status",
		Summary:     "Force a project status (admin)",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      SetProjectStatusRequest `json:"body"`
	}) (*projectBody, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProjectStatus(ctx, actor, input.ProjectID, domain.ProjectStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stage",
		Summary:     "Get the project's current chat stage",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		stage, err := e.CurrentStage(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: StageResponse{ProjectID: input.ProjectID, Stage: string(stage)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/advance-stage",
		Summary:     "Move the project chat to its next stage",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		next, err := e.AdvanceStage(ctx, actor, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: StageResponse{ProjectID: input.ProjectID, Stage: string(next)}}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/contract",
		Summary:     "Get project contract",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.GetContract(ctx, actor, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-contract",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/contract/sign",
		Summary:     "Sign project contract",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SignContract(ctx, actor, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})
}

func registerRatings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rating",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/ratings",
		Summary:       "Rate the counterpart of a completed project",
		DefaultStatus: http.StatusCreated,
		Errors:        projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CreateRatingRequest `json:"body"`
	}) (*struct {
		Body RatingResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.CreateRating(ctx, actor, engine.RatingOptions{
			ProjectID: input.ProjectID,
			RatedID:   input.Body.RatedID,
			Scores:    input.Body.Scores,
			Comment:   input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RatingResponse `json:"body"`
		}{Body: ratingResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-ratings",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/ratings",
		Summary:     "Ratings received by a user",
		Errors:      projectErrors,
	}, func(ctx context.Context, input *userPath) (*struct {
		Body UserRatingsResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRatings(ctx, repo.RatingFilters{RatedID: input.UserID})
		if err != nil {
			return nil, handleError(err)
		}
		avg, n, err := e.AverageRating(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserRatingsResponse `json:"body"`
		}{Body: UserRatingsResponse{
			UserID:  input.UserID,
			Average: avg.StringFixed(2),
			Count:   n,
			Items:   mapSlice(items, ratingResponse),
		}}, nil
	})
}
