package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/baeeng/batch-acquisition-engine/internal/planner"
)

func (f *HTTPFetcher) buildRequest(ctx context.Context, req planner.Request, productID, apiKey string) (*http.Request, error) {
	q := url.Values{}
	q.Set("product", productID)
	q.Set("date", req.Date)
	q.Set("hour", strconv.Itoa(req.Hour))
	q.Set("bbox", fmt.Sprintf("%f,%f,%f,%f", req.BBox.West, req.BBox.South, req.BBox.East, req.BBox.North))
	q.Set("max_cloud", strconv.FormatFloat(req.MaxCloud, 'f', -1, 64))
	q.Set("max_sza", strconv.FormatFloat(req.MaxSZA, 'f', -1, 64))
	if apiKey != "" {
		q.Set("key", apiKey)
	}

	reqURL := f.BaseURL + "?" + q.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
}

type statusError int

func (e statusError) Error() string {
	return fmt.Sprintf("remote service returned status %d", int(e))
}

func errStatus(code int) error {
	return statusError(code)
}
