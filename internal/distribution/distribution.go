// Package distribution provides implementations of the flag-distribution
// port. The primary exposure record lives in the SQLite store; these
// implementations push the same numbers to external flag servers or fan
// out to several targets.
package distribution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTP pushes percentage updates to an external flag-serving endpoint.
type HTTP struct {
	url    string
	client *http.Client
}

func NewHTTP(url string) *HTTP {
	return &HTTP{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type percentageUpdate struct {
	FlagKey    string  `json:"flag_key"`
	Variant    string  `json:"variant"`
	Percentage float64 `json:"percentage"`
}

func (h *HTTP) SetVariantPercentage(ctx context.Context, flagKey, variant string, percentage float64) error {
	body, err := json.Marshal(percentageUpdate{FlagKey: flagKey, Variant: variant, Percentage: percentage})
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push distribution update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("distribution endpoint returned %s", resp.Status)
	}
	return nil
}

// Distributor matches the port the rollout controller consumes.
type Distributor interface {
	SetVariantPercentage(ctx context.Context, flagKey, variant string, percentage float64) error
}

// Multi fans a percentage update out to several distributors. The first
// error wins but every target is attempted.
type Multi struct {
	targets []Distributor
}

func NewMulti(targets ...Distributor) *Multi {
	return &Multi{targets: targets}
}

func (m *Multi) SetVariantPercentage(ctx context.Context, flagKey, variant string, percentage float64) error {
	var first error
	for _, t := range m.targets {
		if err := t.SetVariantPercentage(ctx, flagKey, variant, percentage); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Memory is an in-process distributor used in tests and local runs.
type Memory struct {
	mu  sync.Mutex
	pct map[string]float64
}

func NewMemory() *Memory {
	return &Memory{pct: make(map[string]float64)}
}

func (m *Memory) SetVariantPercentage(ctx context.Context, flagKey, variant string, percentage float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pct[flagKey+"/"+variant] = percentage
	return nil
}

// Percentage returns the last value set for a flag/variant pair.
func (m *Memory) Percentage(flagKey, variant string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pct[flagKey+"/"+variant]
}
