package marketsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mmdatafocus/seller_sync_backend/models"
)

// ReportHandle identifies an async report the marketplace is preparing.
type ReportHandle struct {
	ID     string
	Source Source
}

const (
	ReportStatePending   = "pending"
	ReportStateCompleted = "completed"
	ReportStateFailed    = "failed"
)

// ReportStatus is one poll result. DownloadURL is set once State is completed.
type ReportStatus struct {
	State       string
	DownloadURL string
}

// ReportAPI is the boundary contract against the marketplace's async-report
// endpoints. Implementations must return *APIError for non-2xx responses so
// the fetcher can classify them.
type ReportAPI interface {
	RequestReport(ctx context.Context, token string, st models.Storefront, source Source, start, end time.Time) (ReportHandle, error)
	PollReport(ctx context.Context, token string, handle ReportHandle) (ReportStatus, error)
	DownloadReport(ctx context.Context, token string, url string) ([]byte, error)
}

type marketplaceClient struct {
	base *resty.Client
}

// NewMarketplaceClient builds the resty-backed ReportAPI. Base URL and timeout
// come from env (MARKETPLACE_API_BASE_URL, MARKETPLACE_API_TIMEOUT_SECONDS).
func NewMarketplaceClient() ReportAPI {
	baseURL := strings.TrimSpace(os.Getenv("MARKETPLACE_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.marketplace.example.com"
	}
	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("MARKETPLACE_API_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &marketplaceClient{base: client}
}

type requestReportBody struct {
	SellerId   string `json:"seller_id"`
	Region     string `json:"region"`
	ReportType string `json:"report_type"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

type requestReportResponse struct {
	ReportId string `json:"report_id"`
}

func (c *marketplaceClient) RequestReport(ctx context.Context, token string, st models.Storefront, source Source, start, end time.Time) (ReportHandle, error) {
	var parsed requestReportResponse
	resp, err := c.base.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(requestReportBody{
			SellerId:   st.SellerId,
			Region:     st.Region,
			ReportType: reportTypeFor(source),
			StartDate:  start.Format("2006-01-02"),
			EndDate:    end.Format("2006-01-02"),
		}).
		SetResult(&parsed).
		Post("/reports")
	if err != nil {
		return ReportHandle{}, err
	}
	if apiErr := apiErrorFromResponse(resp); apiErr != nil {
		return ReportHandle{}, apiErr
	}
	if parsed.ReportId == "" {
		return ReportHandle{}, fmt.Errorf("marketplace returned an empty report id for %s", source)
	}
	return ReportHandle{ID: parsed.ReportId, Source: source}, nil
}

type pollReportResponse struct {
	Status      string `json:"status"`
	DownloadURL string `json:"download_url"`
}

func (c *marketplaceClient) PollReport(ctx context.Context, token string, handle ReportHandle) (ReportStatus, error) {
	var parsed pollReportResponse
	resp, err := c.base.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&parsed).
		Get("/reports/" + handle.ID)
	if err != nil {
		return ReportStatus{}, err
	}
	if apiErr := apiErrorFromResponse(resp); apiErr != nil {
		return ReportStatus{}, apiErr
	}
	return ReportStatus{State: strings.ToLower(parsed.Status), DownloadURL: parsed.DownloadURL}, nil
}

func (c *marketplaceClient) DownloadReport(ctx context.Context, token string, url string) ([]byte, error) {
	resp, err := c.base.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get(url)
	if err != nil {
		return nil, err
	}
	if apiErr := apiErrorFromResponse(resp); apiErr != nil {
		return nil, apiErr
	}
	return resp.Body(), nil
}

func reportTypeFor(source Source) string {
	switch source {
	case SourceSales:
		return "DAILY_SALES"
	case SourceAdvertising:
		return "DAILY_ADVERTISING"
	case SourceInventory:
		return "DAILY_INVENTORY"
	default:
		return strings.ToUpper(string(source))
	}
}

func apiErrorFromResponse(resp *resty.Response) *APIError {
	if resp == nil {
		return nil
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	apiErr := &APIError{
		StatusCode: code,
		Body:       strings.TrimSpace(string(resp.Body())),
	}
	if ra := strings.TrimSpace(resp.Header().Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// report row shapes, one per source type; reports arrive as JSON arrays.

type salesReportRow struct {
	ProductId   string      `json:"product_id"`
	Date        string      `json:"date"`
	OrderCount  int         `json:"order_count"`
	SalesAmount json.Number `json:"sales_amount"`
	PlatformFee json.Number `json:"platform_fee"`
	OtherFees   json.Number `json:"other_fees"`
}

type advertisingReportRow struct {
	ProductId string      `json:"product_id"`
	Date      string      `json:"date"`
	AdSpend   json.Number `json:"ad_spend"`
}

type inventoryReportRow struct {
	ProductId string      `json:"product_id"`
	Date      string      `json:"date"`
	UnitCost  json.Number `json:"unit_cost"`
	Quantity  int         `json:"quantity"`
}
