package dataaccess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ukrobotics/dispenselib"
	"github.com/ukrobotics/dispenselib/calibration"
	"github.com/ukrobotics/dispenselib/labware"
	"github.com/ukrobotics/dispenselib/protocol"
)

// DefaultBaseURL is the production dispense data service.
const DefaultBaseURL = "https://dispense.ukrobotics.tech/api"

var _ Source = (*Client)(nil)

// Client looks records up over the service's HTTP/JSON interface.
type Client struct {
	base *url.URL
	hc   *http.Client
}

func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("data service url: %w", err)
	}
	return &Client{
		base: u,
		hc:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) PlateType(ctx context.Context, guid string) (*labware.PlateType, error) {
	guid = strings.TrimSpace(guid)
	if _, err := uuid.Parse(guid); err != nil {
		return nil, dispenselib.Configf("plate type id %q is not a GUID", guid)
	}
	var plate labware.PlateType
	if err := c.getJSON(ctx, "platetype/"+guid, &plate); err != nil {
		return nil, err
	}
	return &plate, nil
}

func (c *Client) ActiveCalibration(ctx context.Context, deviceSerialID string) (*calibration.Active, error) {
	var active calibration.Active
	if err := c.getJSON(ctx, "calibration/active/"+url.PathEscape(strings.TrimSpace(deviceSerialID)), &active); err != nil {
		return nil, err
	}
	if err := active.DeriveVolumes(); err != nil {
		return nil, err
	}
	return &active, nil
}

func (c *Client) Protocol(ctx context.Context, id string) (*protocol.Protocol, error) {
	var p protocol.Protocol
	if err := c.getJSON(ctx, "protocol/"+url.PathEscape(strings.TrimSpace(id)), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) getJSON(ctx context.Context, path string, into interface{}) error {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("data service: %w", err)
	}
	defer func(r io.ReadCloser) {
		_, _ = io.Copy(io.Discard, r)
		_ = r.Close()
	}(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return dispenselib.Configf("data service has no document at %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		return dispenselib.Configf("data service returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return dispenselib.Configf("data service document at %s: %v", path, err)
	}
	return nil
}
