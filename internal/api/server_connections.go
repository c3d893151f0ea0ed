package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/pagebridge/internal/registry"
)

func registerConnectionHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body struct {
			Connections []registry.TabConnection `json:"connections"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-connections", Method: http.MethodGet, Path: "/api/v1/connections", Summary: "List live tab connections", Tags: []string{"Connections"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			out := &listOutput{}
			out.Body.Connections = svc.Connections()
			if out.Body.Connections == nil {
				out.Body.Connections = []registry.TabConnection{}
			}
			return out, nil
		})

	type connectInput struct {
		TabID int `path:"tab_id" minimum:"1" doc:"Browser tab id"`
		Body  struct {
			Port int `json:"port" doc:"Relay WebSocket port"`
		}
	}
	type connectOutput struct {
		Body registry.TabConnection
	}
	huma.Register(api, huma.Operation{OperationID: "connect-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/connect", Summary: "Connect a tab to a relay port", Tags: []string{"Connections"}},
		func(ctx context.Context, input *connectInput) (*connectOutput, error) {
			conn, err := svc.ConnectTab(ctx, input.TabID, input.Body.Port)
			if err != nil {
				return nil, mapErr(err)
			}
			return &connectOutput{Body: conn}, nil
		})

	type disconnectOutput struct {
		Body struct {
			TabID        int  `json:"tab_id"`
			Disconnected bool `json:"disconnected"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "disconnect-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}/connection", Summary: "Close a tab's relay connection", Tags: []string{"Connections"}},
		func(ctx context.Context, input *tabIDInput) (*disconnectOutput, error) {
			closed, err := svc.DisconnectTab(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &disconnectOutput{}
			out.Body.TabID = input.TabID
			out.Body.Disconnected = closed
			return out, nil
		})
}
