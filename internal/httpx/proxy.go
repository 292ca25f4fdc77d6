package httpx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/arvell/drops-agent/internal/constants"
)

// VerifyProxy issues a probe request through the given proxy and reports
// whether it answered with a success status.
func VerifyProxy(ctx context.Context, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parsing proxy URL: %w", err)
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
		Timeout:   10 * time.Second,
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, constants.TwitchURL, nil)
	if err != nil {
		return fmt.Errorf("creating proxy probe request: %w", err)
	}
	req.Header.Set("User-Agent", constants.DefaultUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy probe failed: %w", err)
	}
	drainAndClose(resp)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("proxy probe returned status %d", resp.StatusCode)
	}
	return nil
}
