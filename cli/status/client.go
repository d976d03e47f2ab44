package status

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"

	"github.com/huddle-net/huddle/pkg/crdt"
)

// client queries the status API exposed on a node's admin server.
type client struct {
	httpClient *http.Client

	url *url.URL
}

func newClient(url *url.URL) *client {
	return &client{
		httpClient: &http.Client{
			Timeout: time.Second * 15,
		},
		url: url,
	}
}

func (c *client) Members() ([]string, error) {
	var members []string
	if err := c.request("/status/peer/members", &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *client) Membership() ([]crdt.Member, error) {
	var members []crdt.Member
	if err := c.request("/status/peer/membership", &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *client) Connections() (map[string]string, error) {
	connections := make(map[string]string)
	if err := c.request("/status/peer/connections", &connections); err != nil {
		return nil, err
	}
	return connections, nil
}

func (c *client) request(path string, out interface{}) error {
	url := new(url.URL)
	*url = *c.url
	url.Path = fspath.Join(url.Path, path)

	req, err := http.NewRequest(http.MethodGet, url.String(), nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request: bad status: %d", resp.StatusCode)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *client) Close() {
	c.httpClient.CloseIdleConnections()
}
