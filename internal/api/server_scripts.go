package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/pagebridge/internal/injection"
	"github.com/dgnsrekt/pagebridge/internal/manifest"
)

func registerScriptHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body struct {
			Scripts []*manifest.ScriptMatch `json:"scripts"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-scripts", Method: http.MethodGet, Path: "/api/v1/scripts", Summary: "List loaded user scripts", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			out := &listOutput{}
			out.Body.Scripts = svc.Scripts()
			if out.Body.Scripts == nil {
				out.Body.Scripts = []*manifest.ScriptMatch{}
			}
			return out, nil
		})

	type injectInput struct {
		TabID    int    `path:"tab_id" minimum:"1" doc:"Browser tab id"`
		ScriptID string `path:"script_id" doc:"Script id from the catalog"`
	}
	type stateOutput struct {
		Body injection.State
	}
	huma.Register(api, huma.Operation{OperationID: "inject-script", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/scripts/{script_id}/inject", Summary: "Inject a script into a tab", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *injectInput) (*stateOutput, error) {
			state, err := svc.InjectScript(ctx, input.TabID, input.ScriptID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &stateOutput{Body: state}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-injection", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/injection", Summary: "Latest injection progress for a tab", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *tabIDInput) (*stateOutput, error) {
			state, ok := svc.InjectionState(input.TabID)
			if !ok {
				return nil, huma.Error404NotFound(fmt.Sprintf("no injection recorded for tab %d", input.TabID))
			}
			return &stateOutput{Body: state}, nil
		})
}
