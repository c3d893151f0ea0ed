package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/pagebridge/internal/coordinator"
)

func registerHealthHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
			coordinator.Health
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Health = svc.Health()
			return out, nil
		})

	type evictOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "evict", Method: http.MethodPost, Path: "/api/v1/evict", Summary: "Drop all connections and injection state", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*evictOutput, error) {
			svc.Evict()
			out := &evictOutput{}
			out.Body.Status = "evicted"
			return out, nil
		})
}
