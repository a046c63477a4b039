package revenue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const httpTimeout = 10 * time.Second

// fetchJSON GETs a URL and decodes the JSON body into dst.
func fetchJSON(ctx context.Context, client *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func newClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// MiningPool reads a pool stats endpoint: unpaid balance and hashrate,
// plus the pool's lifetime-paid counter for trend computation.
type MiningPool struct {
	URL    string
	Client *http.Client
}

func (m *MiningPool) Name() string { return "mining" }

func (m *MiningPool) Collect(ctx context.Context) (Snapshot, error) {
	client := m.Client
	if client == nil {
		client = newClient()
	}
	var body struct {
		UnpaidUSD *float64 `json:"unpaidUsd"`
		Hashrate  *float64 `json:"hashrate"`
		PaidTotal *float64 `json:"paidTotal"`
	}
	if err := fetchJSON(ctx, client, m.URL, &body); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ValueUSD: body.UnpaidUSD, Rate: body.Hashrate, Counter: body.PaidTotal}, nil
}

// PriceOracle reads a spot-price endpoint. The price lands in Rate; the
// source has no balance or counter.
type PriceOracle struct {
	URL    string
	Client *http.Client
}

func (p *PriceOracle) Name() string { return "price" }

func (p *PriceOracle) Collect(ctx context.Context) (Snapshot, error) {
	client := p.Client
	if client == nil {
		client = newClient()
	}
	var body struct {
		PriceUSD *float64 `json:"priceUsd"`
	}
	if err := fetchJSON(ctx, client, p.URL, &body); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Rate: body.PriceUSD}, nil
}

// LocalInference reads the local inference server's earnings endpoint:
// accrued earnings plus the lifetime request counter.
type LocalInference struct {
	URL    string
	Client *http.Client
}

func (l *LocalInference) Name() string { return "inference" }

func (l *LocalInference) Collect(ctx context.Context) (Snapshot, error) {
	client := l.Client
	if client == nil {
		client = newClient()
	}
	var body struct {
		EarningsUSD   *float64 `json:"earningsUsd"`
		TotalRequests *float64 `json:"totalRequests"`
	}
	if err := fetchJSON(ctx, client, l.URL, &body); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ValueUSD: body.EarningsUSD, Counter: body.TotalRequests}, nil
}
