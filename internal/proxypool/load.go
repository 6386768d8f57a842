package proxypool

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/crawler"
)

// Load reads a newline-delimited proxy list. Blank lines and lines starting
// with '#' are ignored, entries without a scheme are treated as http, and
// duplicate endpoints collapse to the first occurrence.
func Load(path string, logger *zap.Logger) ([]crawler.Proxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open proxy list: %w", crawler.ErrConfiguration, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var proxies []crawler.Proxy
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := parseProxy(line)
		if err != nil {
			logger.Warn("skipping proxy entry", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		proxies = append(proxies, crawler.Proxy{URL: u})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read proxy list: %w", crawler.ErrConfiguration, err)
	}
	return proxies, nil
}

var (
	errMalformed = errors.New("malformed proxy url")
	errNoHost    = errors.New("proxy url has no host")
)

func parseProxy(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		// url.Error echoes the input, which may carry credentials.
		return nil, errMalformed
	}
	if u.Hostname() == "" {
		return nil, errNoHost
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
