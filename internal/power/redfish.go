package power

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"PowerSched/internal/pool"
)

// Redfish drives machine power through the BMC's Redfish REST service.
type Redfish struct {
	client   *retryablehttp.Client
	user     string
	password string
	systemID string

	// scheme is overridden in tests pointing at a plain HTTP server.
	scheme string
}

func init() {
	register("redfish", func(cfg *Config) (Interface, error) {
		if cfg.Redfish.User == "" || cfg.Redfish.Password == "" {
			return nil, fmt.Errorf("redfish backend requires user and password")
		}

		client := retryablehttp.NewClient()
		client.RetryMax = 2
		client.RetryWaitMin = 500 * time.Millisecond
		client.RetryWaitMax = 2 * time.Second
		client.Logger = nil
		if cfg.Redfish.Insecure {
			client.HTTPClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}

		systemID := cfg.Redfish.SystemID
		if systemID == "" {
			systemID = "1"
		}

		return &Redfish{
			client:   client,
			user:     cfg.Redfish.User,
			password: cfg.Redfish.Password,
			systemID: systemID,
		}, nil
	})
}

func (r *Redfish) systemURL(m *pool.Machine) string {
	scheme := r.scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/redfish/v1/Systems/%s", scheme, m.BMCHost, r.systemID)
}

func (r *Redfish) do(ctx context.Context, m *pool.Machine, method, url, body string) ([]byte, int, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, err
	}

	user, password := r.user, r.password
	if m.Auth != nil {
		user, password = m.Auth.User, m.Auth.Password
	}
	req.SetBasicAuth(user, password)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return payload, resp.StatusCode, nil
}

func (r *Redfish) State(ctx context.Context, m *pool.Machine) (bool, error) {
	payload, status, err := r.do(ctx, m, http.MethodGet, r.systemURL(m), "")
	if err != nil {
		return false, fmt.Errorf("redfish power status failed for machine %s: %w", m.Name, err)
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("redfish power status for machine %s returned HTTP %d", m.Name, status)
	}

	powerState := gjson.GetBytes(payload, "PowerState").String()
	if powerState == "" {
		return false, fmt.Errorf("redfish response for machine %s has no PowerState", m.Name)
	}
	return strings.EqualFold(powerState, "On"), nil
}

func (r *Redfish) reset(ctx context.Context, m *pool.Machine, resetType string) error {
	url := r.systemURL(m) + "/Actions/ComputerSystem.Reset"
	body := fmt.Sprintf(`{"ResetType": %q}`, resetType)

	payload, status, err := r.do(ctx, m, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("redfish %s failed for machine %s: %w", resetType, m.Name, err)
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusAccepted {
		return fmt.Errorf("redfish %s for machine %s returned HTTP %d: %s",
			resetType, m.Name, status, string(payload))
	}

	log.Debugf("Redfish %s accepted by %s", resetType, m.BMCHost)
	return nil
}

func (r *Redfish) PowerOn(ctx context.Context, m *pool.Machine) error {
	return r.reset(ctx, m, "On")
}

func (r *Redfish) PowerOff(ctx context.Context, m *pool.Machine) error {
	return r.reset(ctx, m, "GracefulShutdown")
}
