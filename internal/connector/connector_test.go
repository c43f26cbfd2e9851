package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

func TestRegistryUnknownCapability(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("dify")
	require.Error(t, err)
	assert.Equal(t, "Capability dify not supported", err.Error())
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(NewEchoConnector())

	c, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", c.Name())
	assert.Contains(t, r.Names(), "echo")
}

func TestEchoConnectorSuccess(t *testing.T) {
	c := NewEchoConnector()
	resp, err := c.Execute(context.Background(), Request{
		Params: map[string]interface{}{"greeting": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ConnectorStatusSuccess, resp.Status)
	assert.Equal(t, map[string]interface{}{"greeting": "hello"}, resp.Result["echo"])
}

func TestEchoConnectorNeedInput(t *testing.T) {
	c := NewEchoConnector()
	resp, err := c.Execute(context.Background(), Request{
		RunningConfig: map[string]interface{}{
			"required_params": []interface{}{"code", "region"},
		},
		Params: map[string]interface{}{"region": "eu"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ConnectorStatusNeedInput, resp.Status)
	assert.Equal(t, []string{"code"}, resp.MissingParams)
	assert.Equal(t, map[string]interface{}{"region": "eu"}, resp.CompletedParams)
}

func TestHTTPConnectorStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		want       v1.ConnectorStatus
	}{
		{"success", http.StatusOK, v1.ConnectorStatusSuccess},
		{"retryable", http.StatusBadGateway, v1.ConnectorStatusFailure},
		{"non-retryable", http.StatusBadRequest, v1.ConnectorStatusError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte(`{"ok": true}`))
			}))
			defer server.Close()

			c := NewHTTPConnector()
			resp, err := c.Execute(context.Background(), Request{
				TaskID:        "task-1",
				RunningConfig: map[string]interface{}{"url": server.URL},
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.Status)
		})
	}
}

func TestHTTPConnectorMissingURL(t *testing.T) {
	c := NewHTTPConnector()
	resp, err := c.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, v1.ConnectorStatusError, resp.Status)
}

func TestHTTPConnectorTransportFailureIsRetryable(t *testing.T) {
	c := NewHTTPConnector()
	resp, err := c.Execute(context.Background(), Request{
		RunningConfig: map[string]interface{}{"url": "http://127.0.0.1:1/unreachable"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ConnectorStatusFailure, resp.Status)
}
