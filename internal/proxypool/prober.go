package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/rangecrawler/internal/crawler"
)

const maxProbeBody = 64 << 10

var errNoIP = errors.New("probe response carried no ip")

// HTTPProber issues a GET to an IP echo endpoint through the proxy. The proxy
// is live when the response is 2xx and its JSON body names a non-empty ip.
type HTTPProber struct {
	TargetURL string
	Timeout   time.Duration
	UserAgent string
}

// NewHTTPProber returns a prober for targetURL.
func NewHTTPProber(targetURL string, timeout time.Duration, userAgent string) *HTTPProber {
	return &HTTPProber{
		TargetURL: targetURL,
		Timeout:   timeout,
		UserAgent: userAgent,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, proxy crawler.Proxy) error {
	if proxy.URL == nil {
		return errMalformed
	}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxy.URL),
			DisableKeepAlives: true,
		},
		Timeout: p.Timeout,
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.TargetURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBody)).Decode(&body); err != nil {
		return fmt.Errorf("decode probe response: %w", err)
	}
	if strings.TrimSpace(body.IP) == "" {
		return errNoIP
	}
	return nil
}
