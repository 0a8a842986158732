package powerctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"PowerSched/internal/daemon"
	"PowerSched/internal/state"
)

// Client talks to the daemon's control socket. The host part of request
// URLs is a placeholder; every connection goes to the unix socket.
type Client struct {
	http *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) do(method, path string, body any, out any) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, "http://powerschedd"+path, &reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach powerschedd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp daemon.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("request failed with status %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) Status() ([]state.MachineStatus, error) {
	var statuses []state.MachineStatus
	if err := c.do(http.MethodGet, "/api/v1/status", nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) Override(machine, targetState string) error {
	req := daemon.OverrideRequest{Machine: machine, State: targetState}
	return c.do(http.MethodPost, "/api/v1/override", req, nil)
}

func (c *Client) Shutdown() error {
	return c.do(http.MethodPost, "/api/v1/shutdown", nil, nil)
}
