package service

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	// Rough size of one rendered page across the document types the
	// workers accept. Overestimates are safe: the worker reports the
	// real page count on settlement.
	bytesPerPage = 60 * 1024

	probeTimeout = 15 * time.Second
)

var httpClient = &http.Client{Timeout: probeTimeout}

// EstimatePages probes the document URL with a HEAD request and
// derives a page estimate from its size. Documents whose size cannot
// be determined count as a single page. The estimate is clamped to
// maxPages so a runaway upload cannot announce an unserviceable job.
func EstimatePages(ctx context.Context, documentURL string, maxPages int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, documentURL, nil)
	if err != nil {
		return 0, fmt.Errorf("invalid document url: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return 0, fmt.Errorf("document not reachable: status %d", resp.StatusCode)
	}

	pages := 1
	if resp.ContentLength > 0 {
		pages = int(resp.ContentLength/bytesPerPage) + 1
	}
	if maxPages > 0 && pages > maxPages {
		pages = maxPages
	}
	return pages, nil
}
