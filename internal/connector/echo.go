package connector

import (
	"context"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// EchoConnector returns its input parameters as the result. It declares
// required parameters through running_config.required_params and reports
// NEED_INPUT until all of them are supplied, which makes it the standard
// capability for exercising the pause/resume handshake.
type EchoConnector struct{}

var _ Connector = (*EchoConnector)(nil)

// NewEchoConnector creates the echo capability.
func NewEchoConnector() *EchoConnector { return &EchoConnector{} }

func (c *EchoConnector) Name() string { return "echo" }

func (c *EchoConnector) RequiredConfig() []string { return nil }

func (c *EchoConnector) Execute(ctx context.Context, req Request) (*Response, error) {
	var missing []string
	completed := map[string]interface{}{}
	for k, v := range req.Params {
		completed[k] = v
	}

	if raw, ok := req.RunningConfig["required_params"].([]interface{}); ok {
		for _, item := range raw {
			name, ok := item.(string)
			if !ok {
				continue
			}
			if _, present := req.Params[name]; !present {
				missing = append(missing, name)
			}
		}
	}

	if len(missing) > 0 {
		return &Response{
			Status:          v1.ConnectorStatusNeedInput,
			MissingParams:   missing,
			CompletedParams: completed,
		}, nil
	}
	return &Response{
		Status: v1.ConnectorStatusSuccess,
		Result: map[string]interface{}{"echo": completed},
	}, nil
}
