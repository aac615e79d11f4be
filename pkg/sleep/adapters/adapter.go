package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/noctua-health/platform/pkg/common/config"
	"github.com/noctua-health/platform/pkg/common/models"
	"golang.org/x/oauth2"
)

var ErrUnsupportedSource = errors.New("unsupported source")

// Adapter is the anti-corruption boundary between a vendor payload shape and
// the canonical model. Parse performs no I/O.
type Adapter interface {
	SourceName() string
	Parse(raw map[string]interface{}, patientID uuid.UUID) ([]models.SleepDay, error)
}

// Fetcher is implemented by live-mode adapters that can pull from the vendor
// API before parsing. The request-driven ingest path never calls Fetch; it
// exists for scheduled polling workflows.
type Fetcher interface {
	Fetch(ctx context.Context, startDate, endDate string) (map[string]interface{}, error)
}

// Factory selects the adapter variant by source name and deployment mode.
type Factory struct {
	mode    string
	catalog Catalog
	retry   RetryPolicy

	ouraClient     *http.Client
	withingsClient *http.Client
}

func NewFactory(cfg *config.Config, catalog Catalog) *Factory {
	f := &Factory{
		mode:    cfg.AdapterMode,
		catalog: catalog,
		retry: RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			MaxWait:     cfg.RetryMaxWait,
		},
	}

	if cfg.AdapterMode == config.ModeLive {
		f.ouraClient = bearerClient(cfg.OuraAccessToken)
		f.withingsClient = bearerClient(cfg.WithingsAccessToken)
	}

	return f
}

// Adapter returns the adapter for the given source, or ErrUnsupportedSource
// when the source is unknown or disabled in the vendor catalog.
func (f *Factory) Adapter(source string) (Adapter, error) {
	if !models.IsKnownSource(source) || !f.catalog.Enabled(source) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
	}

	if f.mode == config.ModeLive {
		switch models.SleepSource(source) {
		case models.SourceOura:
			return &OuraLiveAdapter{
				client:  f.ouraClient,
				baseURL: f.catalog.BaseURL(source),
				retry:   f.retry,
			}, nil
		case models.SourceWithings:
			return &WithingsLiveAdapter{
				client:  f.withingsClient,
				baseURL: f.catalog.BaseURL(source),
				retry:   f.retry,
			}, nil
		}
	}

	switch models.SleepSource(source) {
	case models.SourceOura:
		return OuraMapper{}, nil
	case models.SourceWithings:
		return WithingsMapper{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
}

func bearerClient(token string) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return oauth2.NewClient(context.Background(), src)
}
