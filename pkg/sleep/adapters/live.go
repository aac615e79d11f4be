package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/noctua-health/platform/pkg/common/models"
)

// OuraLiveAdapter fetches from the Oura V2 API before delegating to the mapper.
type OuraLiveAdapter struct {
	mapper  OuraMapper
	client  *http.Client
	baseURL string
	retry   RetryPolicy
}

func (a *OuraLiveAdapter) SourceName() string { return string(models.SourceOura) }

func (a *OuraLiveAdapter) Fetch(ctx context.Context, startDate, endDate string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("start_date", startDate)
	params.Set("end_date", endDate)
	endpoint := fmt.Sprintf("%s/v2/usercollection/sleep?%s", a.baseURL, params.Encode())
	return fetchJSON(ctx, a.client, endpoint, a.retry)
}

func (a *OuraLiveAdapter) Parse(raw map[string]interface{}, patientID uuid.UUID) ([]models.SleepDay, error) {
	return a.mapper.Parse(raw, patientID)
}

// WithingsLiveAdapter fetches from the Withings Sleep V2 API before delegating
// to the mapper.
type WithingsLiveAdapter struct {
	mapper  WithingsMapper
	client  *http.Client
	baseURL string
	retry   RetryPolicy
}

func (a *WithingsLiveAdapter) SourceName() string { return string(models.SourceWithings) }

func (a *WithingsLiveAdapter) Fetch(ctx context.Context, startDate, endDate string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("action", "getsummary")
	params.Set("startdateymd", startDate)
	params.Set("enddateymd", endDate)
	endpoint := fmt.Sprintf("%s/v2/sleep?%s", a.baseURL, params.Encode())
	return fetchJSON(ctx, a.client, endpoint, a.retry)
}

func (a *WithingsLiveAdapter) Parse(raw map[string]interface{}, patientID uuid.UUID) ([]models.SleepDay, error) {
	return a.mapper.Parse(raw, patientID)
}
