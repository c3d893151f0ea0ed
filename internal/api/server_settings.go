package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/pagebridge/internal/navigation"
)

func registerSettingsHandlers(api huma.API, store SettingsStore) {
	type settingsOutput struct {
		Body navigation.Settings
	}
	huma.Register(api, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "Current connection policy", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			s, err := store.Settings(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &settingsOutput{Body: s}, nil
		})

	type putInput struct {
		Body struct {
			ConnectAll    bool `json:"connect_all"`
			AutoReconnect bool `json:"auto_reconnect"`
			Port          int  `json:"port" minimum:"0" maximum:"65535" doc:"Relay port used by connect-all; 0 disables it"`
		}
	}
	type putOutput struct {
		Body struct {
			Settings navigation.Settings `json:"settings"`
			Previous navigation.Settings `json:"previous"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "put-settings", Method: http.MethodPut, Path: "/api/v1/settings", Summary: "Replace the connection policy", Tags: []string{"Settings"}},
		func(ctx context.Context, input *putInput) (*putOutput, error) {
			next := navigation.Settings{
				ConnectAll:    input.Body.ConnectAll,
				AutoReconnect: input.Body.AutoReconnect,
				Port:          input.Body.Port,
			}
			out := &putOutput{}
			out.Body.Previous = store.Set(next)
			out.Body.Settings = next
			return out, nil
		})
}
