package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/wait"
)

const (
	// https://hub.docker.com/r/selenium/standalone-chrome
	SeleniumImage = "selenium/standalone-chrome:4.25"
	SeleniumPort  = 4444
	VNCPort       = 5900
)

// Browser is a standalone Selenium server with a browser and a VNC server.
type Browser struct {
	Image string
	// Client performs the readiness probe. Defaults to http.DefaultClient.
	Client *http.Client
}

func (b Browser) Spec() container.Spec {
	return container.Spec{
		Image:        orDefault(b.Image, SeleniumImage),
		ExposedPorts: []int{SeleniumPort, VNCPort},
		Wait: &wait.Probe{
			Name:     "selenium",
			Fn:       b.ready,
			Timeout:  probeTimeout,
			Interval: probeInterval,
		},
	}
}

// SeleniumAddress returns the WebDriver endpoint of the started container.
func (b Browser) SeleniumAddress(ctx context.Context, t wait.Target) (string, error) {
	addr, err := hostPort(ctx, t, SeleniumPort)
	if err != nil {
		return "", err
	}
	return "http://" + addr + "/wd/hub", nil
}

func (b Browser) VNCAddress(ctx context.Context, t wait.Target) (string, error) {
	addr, err := hostPort(ctx, t, VNCPort)
	if err != nil {
		return "", err
	}
	return "vnc://" + addr, nil
}

// ready asks the grid status endpoint whether a session can be created.
func (b Browser) ready(ctx context.Context, t wait.Target) error {
	addr, err := hostPort(ctx, t, SeleniumPort)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return err
	}
	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("selenium status: %s", resp.Status)
	}

	var status struct {
		Value struct {
			Ready   bool   `json:"ready"`
			Message string `json:"message"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding selenium status: %w", err)
	}
	if !status.Value.Ready {
		return fmt.Errorf("selenium not ready: %s", status.Value.Message)
	}
	return nil
}
