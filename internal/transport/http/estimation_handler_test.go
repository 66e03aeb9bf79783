package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"didimpute/internal/aggregate"
	"didimpute/internal/config"
	apierrors "didimpute/internal/errors"
	"didimpute/internal/estimator"
	"didimpute/internal/panel"
	"didimpute/internal/services"
)

// MockEstimationService is a mock implementation of EstimationServiceInterface
type MockEstimationService struct {
	mock.Mock
}

func (m *MockEstimationService) BaseConfig() (estimator.Config, error) {
	args := m.Called()
	return args.Get(0).(estimator.Config), args.Error(1)
}

func (m *MockEstimationService) Estimate(ctx context.Context, cfg estimator.Config, data *panel.Panel) (*services.Run, error) {
	args := m.Called(ctx, cfg, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Run), args.Error(1)
}

func (m *MockEstimationService) Get(id string) (*services.Run, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Run), args.Error(1)
}

func (m *MockEstimationService) List() []services.RunInfo {
	args := m.Called()
	return args.Get(0).([]services.RunInfo)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const twoUnitBody = `{
	"config": {"minN": 1, "horizons": "-1:2", "weight_scheme": "equal"},
	"panel": {
		"columns": {"y": "y", "id": "id", "time": "t", "ei": "ei"},
		"rows": [
			{"id": "treated", "t": 0, "ei": 1, "y": 1.0},
			{"id": "treated", "t": 1, "ei": 1, "y": 2.0},
			{"id": "control", "t": 0, "ei": null, "y": 1.5},
			{"id": "control", "t": 1, "ei": null, "y": 1.6}
		]
	}
}`

type EstimationHandlerTestSuite struct {
	suite.Suite
	service *MockEstimationService
	router  chi.Router
}

func (s *EstimationHandlerTestSuite) SetupTest() {
	s.service = new(MockEstimationService)
	handler := NewEstimationHandler(s.service, nil, nil, 0, discardLogger())
	s.router = chi.NewRouter()
	s.router.Mount("/api/v1/estimate", handler.Routes())
}

func (s *EstimationHandlerTestSuite) TearDownTest() {
	s.service.AssertExpectations(s.T())
}

func (s *EstimationHandlerTestSuite) do(method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *EstimationHandlerTestSuite) problem(rec *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (s *EstimationHandlerTestSuite) TestEstimateCreated() {
	s.service.On("BaseConfig").Return(estimator.DefaultConfig(panel.Columns{}), nil)
	s.service.On("Estimate", mock.Anything,
		mock.MatchedBy(func(cfg estimator.Config) bool {
			return cfg.Columns.Outcome == "y" &&
				cfg.Columns.Adoption == "ei" &&
				cfg.Horizons == aggregate.Horizon{Min: -1, Max: 2} &&
				cfg.WeightScheme == aggregate.SchemeEqual &&
				cfg.MinN == 1 &&
				cfg.CI == 0.95
		}),
		mock.MatchedBy(func(p *panel.Panel) bool { return p.Len() == 4 }),
	).Return(&services.Run{ID: "run-1"}, nil)

	rec := s.do(http.MethodPost, "/api/v1/estimate", twoUnitBody)

	s.Equal(http.StatusCreated, rec.Code)
	s.Equal("/api/v1/estimate/run-1", rec.Header().Get("Location"))
	body := s.problem(rec)
	s.Equal("run-1", body["id"])
}

func (s *EstimationHandlerTestSuite) TestEstimateMissingRows() {
	rec := s.do(http.MethodPost, "/api/v1/estimate", `{"panel": {"rows": []}}`)

	s.Equal(http.StatusBadRequest, rec.Code)
	body := s.problem(rec)
	s.Equal(apierrors.TypeValidation, body["type"])
	s.Contains(rec.Body.String(), "panel.rows")
	s.service.AssertNotCalled(s.T(), "Estimate", mock.Anything, mock.Anything, mock.Anything)
}

func (s *EstimationHandlerTestSuite) TestEstimateInvalidJSON() {
	rec := s.do(http.MethodPost, "/api/v1/estimate", `{"panel": `)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *EstimationHandlerTestSuite) TestEstimateRequiresJSONContentType() {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/estimate", strings.NewReader(twoUnitBody))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	s.Equal(http.StatusUnsupportedMediaType, rec.Code)
}

func (s *EstimationHandlerTestSuite) TestEstimateBadHorizons() {
	s.service.On("BaseConfig").Return(estimator.DefaultConfig(panel.Columns{}), nil)

	body := strings.Replace(twoUnitBody, `"-1:2"`, `"5:1"`, 1)
	rec := s.do(http.MethodPost, "/api/v1/estimate", body)

	s.Equal(http.StatusBadRequest, rec.Code)
	s.Contains(s.problem(rec)["detail"], "k_min <= k_max")
}

func (s *EstimationHandlerTestSuite) TestEstimateServiceErrors() {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"validation", apierrors.Validation("panel.Prepare", "duplicate (unit,time) rows"), http.StatusBadRequest, apierrors.TypeValidation},
		{"estimation", apierrors.Estimation("firststage.Fit", "rank deficient"), http.StatusUnprocessableEntity, apierrors.TypeEstimation},
		{"absorbing", apierrors.ErrAbsorbingNotImplemented, http.StatusNotImplemented, apierrors.TypeNotImplemented},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, apierrors.TypeTimeout},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.service.On("BaseConfig").Return(estimator.DefaultConfig(panel.Columns{}), nil)
			s.service.On("Estimate", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			rec := s.do(http.MethodPost, "/api/v1/estimate", twoUnitBody)

			s.Equal(tt.wantStatus, rec.Code)
			s.Equal(tt.wantType, s.problem(rec)["type"])
		})
	}
}

func (s *EstimationHandlerTestSuite) TestGet() {
	s.service.On("Get", "0b9ad6f4-6f5e-4c1a-9d55-0d3f7f1d1c11").Return(&services.Run{ID: "0b9ad6f4-6f5e-4c1a-9d55-0d3f7f1d1c11"}, nil)
	s.service.On("Get", "7d1e3c1c-58a4-4f0e-a2c4-6f0f1f1e9a00").Return(nil, services.ErrRunNotFound)
	s.service.On("Get", "nope").Return(nil, services.ErrInvalidRunID)

	rec := s.do(http.MethodGet, "/api/v1/estimate/0b9ad6f4-6f5e-4c1a-9d55-0d3f7f1d1c11", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("0b9ad6f4-6f5e-4c1a-9d55-0d3f7f1d1c11", s.problem(rec)["id"])

	rec = s.do(http.MethodGet, "/api/v1/estimate/7d1e3c1c-58a4-4f0e-a2c4-6f0f1f1e9a00", "")
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(apierrors.TypeNotFound, s.problem(rec)["type"])

	rec = s.do(http.MethodGet, "/api/v1/estimate/nope", "")
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *EstimationHandlerTestSuite) TestList() {
	s.service.On("List").Return([]services.RunInfo{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	rec := s.do(http.MethodGet, "/api/v1/estimate?limit=2", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp ListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(2, resp.Count)
	s.Equal("b", resp.Runs[0].ID)
	s.Equal("c", resp.Runs[1].ID)
}

func (s *EstimationHandlerTestSuite) TestListBadLimit() {
	rec := s.do(http.MethodGet, "/api/v1/estimate?limit=abc", "")
	s.Equal(http.StatusBadRequest, rec.Code)
	s.service.AssertNotCalled(s.T(), "List")
}

func TestEstimationHandlerSuite(t *testing.T) {
	suite.Run(t, new(EstimationHandlerTestSuite))
}

func TestDecodeConfig(t *testing.T) {
	base := estimator.DefaultConfig(panel.Columns{Outcome: "y", Unit: "id", Time: "t", Adoption: "ei"})

	t.Run("empty keeps base", func(t *testing.T) {
		for _, raw := range []string{"", "null", "  "} {
			cfg, err := decodeConfig(base, json.RawMessage(raw))
			require.NoError(t, err)
			assert.Equal(t, base, cfg)
		}
	})

	t.Run("object horizons merge", func(t *testing.T) {
		cfg, err := decodeConfig(base, json.RawMessage(`{"horizons": {"k_min": -2}, "ci": 0.9}`))
		require.NoError(t, err)
		assert.Equal(t, aggregate.Horizon{Min: -2, Max: 10}, cfg.Horizons)
		assert.Equal(t, 0.9, cfg.CI)
		assert.Equal(t, base.Columns, cfg.Columns)
	})

	t.Run("string horizons", func(t *testing.T) {
		cfg, err := decodeConfig(base, json.RawMessage(`{"horizons": "0:4"}`))
		require.NoError(t, err)
		assert.Equal(t, aggregate.Horizon{Min: 0, Max: 4}, cfg.Horizons)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := decodeConfig(base, json.RawMessage(`[1,2]`))
		require.Error(t, err)
		var apiErr *apierrors.APIError
		assert.ErrorAs(t, err, &apiErr)
	})
}

func TestEstimateEndToEnd(t *testing.T) {
	svc := services.NewEstimationService(config.Default().Estimation, nil, discardLogger())
	handler := NewEstimationHandler(svc, nil, nil, 0, discardLogger())
	router := chi.NewRouter()
	router.Mount("/api/v1/estimate", handler.Routes())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/estimate", bytes.NewBufferString(twoUnitBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID     string `json:"id"`
		Result struct {
			Summary []map[string]interface{} `json:"summary"`
			Meta    struct {
				Pretrend map[string]interface{} `json:"pretrend"`
			} `json:"meta"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.Result.Summary, 1)
	row := created.Result.Summary[0]
	assert.Equal(t, float64(0), row["k"])
	assert.InDelta(t, 0.9, row["estimate"].(float64), 1e-10)
	assert.Equal(t, "equal", row["weight_scheme"])
	assert.Nil(t, row["se"])
	assert.Nil(t, created.Result.Meta.Pretrend["pvalue"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/estimate/"+created.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/estimate/"+created.ID+"/summary.csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(estimator.SummaryColumns, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,"))
	assert.Contains(t, lines[1], ",1,equal,,,,0.95")
}
