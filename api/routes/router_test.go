package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/badgekeep/badgekeep-backend/internal/ingest"
	"github.com/badgekeep/badgekeep-backend/internal/rules"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

type stubIngest struct{}

func (stubIngest) Publish(ctx context.Context, input ingest.PublishInput) (*ingest.PublishResult, error) {
	return &ingest.PublishResult{StreamEntryID: "1-0", EventLogID: uuid.New()}, nil
}

type stubRuleRepo struct{}

func (s stubRuleRepo) WithTx(tx *gorm.DB) rules.Repository { return s }

func (stubRuleRepo) Create(ctx context.Context, rule *models.BadgeRule) error { return nil }

func (stubRuleRepo) Update(ctx context.Context, rule *models.BadgeRule) error { return nil }

func (stubRuleRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error { return nil }

func (stubRuleRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.BadgeRule, error) {
	return nil, gorm.ErrRecordNotFound
}

func (stubRuleRepo) ListValidForType(ctx context.Context, eventType enums.ActivityEventType, now time.Time) ([]models.BadgeRule, error) {
	return nil, nil
}

func (stubRuleRepo) IncrementSupply(ctx context.Context, id uuid.UUID) (bool, error) {
	return true, nil
}

func (stubRuleRepo) DecrementSupply(ctx context.Context, id uuid.UUID) error { return nil }

func newTestRouter(t *testing.T, dbPing, redisPing func(context.Context) error) http.Handler {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test"})
	ruleSvc, err := rules.NewService(stubRuleRepo{}, rules.NewCache(stubRuleRepo{}, time.Minute), logg)
	if err != nil {
		t.Fatalf("rules.NewService: %v", err)
	}
	return NewRouter(RouterParams{
		Config:    &config.Config{App: config.AppConfig{Env: "test"}},
		Logger:    logg,
		Ingest:    stubIngest{},
		Rules:     ruleSvc,
		DBPing:    dbPing,
		RedisPing: redisPing,
		Registry:  prometheus.NewRegistry(),
	})
}

func TestRouterHealthLive(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if got := resp.Header().Get("X-BadgeKeep-Env"); got != "test" {
		t.Fatalf("expected env header, got %q", got)
	}
}

func TestRouterReadyReportsDependencyFailure(t *testing.T) {
	failing := func(context.Context) error { return errors.New("connection refused") }
	router := newTestRouter(t, failing, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.Code)
	}
}

func TestRouterReadyWhenChecksPass(t *testing.T) {
	ok := func(context.Context) error { return nil }
	router := newTestRouter(t, ok, ok)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

func TestRouterServesMetrics(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

func TestRouterRoutesEventPublish(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	body := `{"event_type":"purchased_product","subject_id":"user-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", resp.Code)
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/v1/unknown", nil))

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.Code)
	}
}
