package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"anchorline/internal/domain"
	"anchorline/internal/engine"
)

func registerMonitor(api huma.API, e engine.Engine, telemetry TelemetrySource) {
	huma.Register(api, huma.Operation{
		OperationID: "attestations-monitor",
		Method:      http.MethodGet,
		Path:        "/attestations/monitor",
		Summary:     "Publishing pipeline overview",
		Description: "Queue and record histograms, success rate, confirmation latency, and the latest per-contract reconciliation telemetry.",
	}, func(ctx context.Context, in *struct {
		Limit int `query:"limit" minimum:"1" maximum:"100" required:"false"`
	}) (*struct {
		Body MonitorResponse `json:"body"`
	}, error) {
		limit := in.Limit
		if limit == 0 {
			limit = 10
		}

		queue, err := e.Repo.CountActionsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		recordCounts, err := e.Repo.CountRecordsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		avgSecs, err := e.Repo.AvgConfirmationSeconds(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		records, err := e.Repo.ListRecords(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		actions, err := e.Repo.ListActions(ctx, "", limit)
		if err != nil {
			return nil, handleError(err)
		}

		var total int64
		for _, n := range queue {
			total += n
		}
		confirmed := queue[domain.StatusConfirmed]
		pending := queue[domain.StatusAwaitingApproval] + queue[domain.StatusApproved] + queue[domain.StatusRunning]
		terminal := confirmed + queue[domain.StatusFailed] + queue[domain.StatusDeadLetter]
		var rate float64
		if terminal > 0 {
			rate = float64(confirmed) / float64(terminal)
		}

		res := MonitorResponse{
			TotalActions:        total,
			ConfirmedActions:    confirmed,
			PendingActions:      pending,
			SuccessRate:         rate,
			AvgConfirmationSecs: avgSecs,
			QueueByStatus:       queue,
			RecordsByStatus:     recordCounts,
			RecentRecords:       make([]RecordResponse, 0, len(records)),
			RecentActions:       make([]ActionResponse, 0, len(actions)),
		}
		if telemetry != nil {
			res.Contracts = telemetry.Snapshot()
		}
		for _, rec := range records {
			res.RecentRecords = append(res.RecentRecords, recordResponse(rec, e.Config))
		}
		for _, a := range actions {
			res.RecentActions = append(res.RecentActions, actionResponse(a, e.Config))
		}
		return &struct {
			Body MonitorResponse `json:"body"`
		}{Body: res}, nil
	})
}
