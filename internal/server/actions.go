package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"anchorline/internal/domain"
	"anchorline/internal/engine"
)

type actionIDInput struct {
	ID string `path:"id"`
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/autopilot/actions",
		Summary:     "List actions",
		Description: "Most recent first. Filter with ?status=, cap with ?limit= (default 50).",
	}, func(ctx context.Context, in *struct {
		Status string `query:"status" enum:",awaiting_approval,approved,rejected,running,confirmed,failed,dead_letter" required:"false"`
		Limit  int    `query:"limit" minimum:"1" maximum:"500" required:"false"`
	}) (*struct {
		Body actionList `json:"body"`
	}, error) {
		limit := in.Limit
		if limit == 0 {
			limit = 50
		}
		actions, err := e.Repo.ListActions(ctx, in.Status, limit)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]ActionResponse, 0, len(actions))
		for _, a := range actions {
			items = append(items, actionResponse(a, e.Config))
		}
		return &struct {
			Body actionList `json:"body"`
		}{Body: actionList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-action",
		Method:        http.MethodPost,
		Path:          "/autopilot/actions",
		Summary:       "Submit a proposed action",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *struct {
		Actor string              `header:"X-Actor-ID" required:"false"`
		Body  SubmitActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		opts := engine.SubmitOptions{
			ActionType:     in.Body.ActionType,
			RiskLevel:      in.Body.RiskLevel,
			ChainID:        in.Body.ChainID,
			PayloadJSON:    encodeJSONMap(in.Body.Payload),
			HumanInitiated: in.Body.HumanInitiated,
			ActorID:        actorOr(in.Actor, "agent"),
		}
		if in.Body.ID != nil {
			opts.ID = *in.Body.ID
		}
		if in.Body.AttestationID != nil {
			opts.AttestationID = *in.Body.AttestationID
		}
		if in.Body.CounselorID != nil {
			opts.CounselorID = *in.Body.CounselorID
		}
		a, err := e.SubmitAction(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a, e.Config)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/autopilot/actions/{id}",
		Summary:     "Get one action",
	}, func(ctx context.Context, in *actionIDInput) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAction(ctx, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a, e.Config)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-action",
		Method:      http.MethodPost,
		Path:        "/autopilot/actions/{id}/approve",
		Summary:     "Approve a pending action",
	}, func(ctx context.Context, in *struct {
		ID    string               `path:"id"`
		Actor string               `header:"X-Actor-ID" required:"false"`
		Body  ApproveActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		note := ""
		if in.Body.Note != nil {
			note = *in.Body.Note
		}
		a, err := e.Approve(ctx, in.ID, note, actorOr(in.Actor, "admin"))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a, e.Config)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-action",
		Method:      http.MethodPost,
		Path:        "/autopilot/actions/{id}/reject",
		Summary:     "Reject a pending action",
	}, func(ctx context.Context, in *struct {
		ID    string              `path:"id"`
		Actor string              `header:"X-Actor-ID" required:"false"`
		Body  RejectActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		a, err := e.Reject(ctx, in.ID, in.Body.Note, actorOr(in.Actor, "admin"))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a, e.Config)}, nil
	})
}

func registerPolicy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/autopilot/policy",
		Summary:     "Get the autopilot policy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		pol, err := e.Repo.GetPolicy(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(pol)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-policy",
		Method:      http.MethodPut,
		Path:        "/autopilot/policy",
		Summary:     "Replace the autopilot policy",
	}, func(ctx context.Context, in *struct {
		Actor string              `header:"X-Actor-ID" required:"false"`
		Body  UpdatePolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		pol := domain.Policy{
			AutopilotEnabled:            in.Body.AutopilotEnabled,
			OnchainPlaceholder:          in.Body.OnchainPlaceholder,
			WorkerIntervalSeconds:       in.Body.WorkerIntervalSeconds,
			RequireApprovalHighRisk:     in.Body.RequireApprovalHighRisk,
			RequireApprovalCriticalRisk: in.Body.RequireApprovalCriticalRisk,
		}
		updated, err := e.UpdatePolicy(ctx, pol, actorOr(in.Actor, "admin"))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(updated)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/autopilot/events",
		Summary:     "List audit events",
		Description: "Most recent first, cap with ?limit= (default 100).",
	}, func(ctx context.Context, in *struct {
		Limit int `query:"limit" minimum:"1" maximum:"1000" required:"false"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		limit := in.Limit
		if limit == 0 {
			limit = 100
		}
		evts, err := e.Repo.ListEvents(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]EventResponse, 0, len(evts))
		for _, evt := range evts {
			items = append(items, eventResponse(evt))
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: items}}, nil
	})
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}
