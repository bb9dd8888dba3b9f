package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/storage/storagemock"
	"github.com/raterudder/loadrudder/pkg/types"
	"github.com/raterudder/loadrudder/pkg/utility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func submittedState() types.ControllerState {
	price := 12.5
	s := types.NewControllerState(exampleSettings())
	s.IsDeviceRunning = false
	s.CurrentPrice = &price
	s.LastStateSaveTime = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	s.DailyData[0] = types.DailyRecord{
		Date:          "2024-01-15",
		TargetRuntime: 6,
		RuntimeToday:  2,
		EnergyUsed:    2000,
		TotalCost:     25,
		DeviceRuns:    []types.DeviceRun{},
	}
	return s
}

func doRequest(h http.Handler, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var b bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&b).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, target, &b)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := New(&storagemock.MockDatabase{}, nil, utility.NewMap(), nil)
	w := doRequest(srv.setupHandler(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "loadrudder", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestSubmit(t *testing.T) {
	t.Run("Accepts Valid Key", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("UpsertDay", mock.Anything, "Pool Pump", mock.MatchedBy(func(d types.DailyRecord) bool {
			return d.Date == "2024-01-15"
		})).Return(nil).Once()
		srv := New(db, nil, utility.NewMap(), nil)
		srv.accessKey = "s3cret"
		h := srv.setupHandler()

		w := doRequest(h, http.MethodPost, "/api/submit?key=s3cret", submittedState(), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		db.AssertExpectations(t)

		w = doRequest(h, http.MethodGet, "/api/state", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var got types.ControllerState
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "Pool Pump", got.DeviceName)
		assert.Equal(t, 2.0, got.DailyData[0].RuntimeToday)

		w = doRequest(h, http.MethodGet, "/metrics", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `loadrudder_runtime_today_hours{device="Pool Pump"} 2`)
		assert.Contains(t, w.Body.String(), `loadrudder_current_price_cents_per_kwh{device="Pool Pump"} 12.5`)
	})

	t.Run("Rejects Wrong Key", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		srv := New(db, nil, utility.NewMap(), nil)
		srv.accessKey = "s3cret"

		w := doRequest(srv.setupHandler(), http.MethodPost, "/api/submit?key=wrong", submittedState(), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		db.AssertNotCalled(t, "UpsertDay", mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, srv.devices())
	})

	t.Run("Rejects Without Configured Key", func(t *testing.T) {
		srv := New(&storagemock.MockDatabase{}, nil, utility.NewMap(), nil)
		w := doRequest(srv.setupHandler(), http.MethodPost, "/api/submit?key=", submittedState(), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Rejects Invalid State", func(t *testing.T) {
		srv := New(&storagemock.MockDatabase{}, nil, utility.NewMap(), nil)
		srv.accessKey = "k"
		h := srv.setupHandler()

		req := httptest.NewRequest(http.MethodPost, "/api/submit?key=k", strings.NewReader("{not json"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		noName := submittedState()
		noName.DeviceName = ""
		w = doRequest(h, http.MethodPost, "/api/submit?key=k", noName, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		// a run in progress while the device is not running
		broken := submittedState()
		broken.DailyData[0].DeviceRuns = []types.DeviceRun{{StartTime: broken.LastStateSaveTime}}
		w = doRequest(h, http.MethodPost, "/api/submit?key=k", broken, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "run in progress")
	})

	t.Run("Archive Failure Is Logged", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("UpsertDay", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)
		srv := New(db, nil, utility.NewMap(), nil)
		srv.accessKey = "k"

		w := doRequest(srv.setupHandler(), http.MethodPost, "/api/submit?key=k", submittedState(), nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"Pool Pump"}, srv.devices())
	})
}

func TestState(t *testing.T) {
	t.Run("Falls Back To Storage", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("LoadState", mock.Anything).Return(submittedState(), nil)
		srv := New(db, nil, utility.NewMap(), nil)
		h := srv.setupHandler()

		w := doRequest(h, http.MethodGet, "/api/state", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=60", w.Header().Get("Cache-Control"))

		w = doRequest(h, http.MethodGet, "/api/state?device=Hot+Water", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Not Found", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("LoadState", mock.Anything).Return(types.ControllerState{}, storage.ErrStateNotFound)
		srv := New(db, nil, utility.NewMap(), nil)

		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/state", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Storage Error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("LoadState", mock.Anything).Return(types.ControllerState{}, errors.New("unavailable"))
		srv := New(db, nil, utility.NewMap(), nil)

		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/state", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHistory(t *testing.T) {
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

	t.Run("Default Range", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		days := []types.DailyRecord{{Date: "2024-01-14", RuntimeToday: 6}, {Date: "2024-01-15", RuntimeToday: 2}}
		db.On("Days", mock.Anything, "Pool Pump",
			time.Date(2023, 12, 17, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
		).Return(days, nil)
		srv := New(db, nil, utility.NewMap(), nil)
		srv.now = func() time.Time { return now }

		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/history?device=Pool+Pump", nil, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var got []types.DailyRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, days, got)
		assert.Equal(t, "private, max-age=60", w.Header().Get("Cache-Control"))
	})

	t.Run("Past Range Is Cached", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("Days", mock.Anything, "Pool Pump", mock.Anything, mock.Anything).Return([]types.DailyRecord{}, nil)
		srv := New(db, nil, utility.NewMap(), nil)
		srv.now = func() time.Time { return now }

		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/history?device=Pool+Pump&start=2023-12-01&end=2024-01-01", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=86400", w.Header().Get("Cache-Control"))
	})

	t.Run("Device From Submissions", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("Days", mock.Anything, "Pool Pump", mock.Anything, mock.Anything).Return([]types.DailyRecord{}, nil)
		srv := New(db, nil, utility.NewMap(), nil)
		srv.now = func() time.Time { return now }
		srv.remember(submittedState())

		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/history", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		db.AssertExpectations(t)
	})

	t.Run("Bad Requests", func(t *testing.T) {
		srv := New(&storagemock.MockDatabase{}, nil, utility.NewMap(), nil)
		srv.now = func() time.Time { return now }
		h := srv.setupHandler()

		tests := []struct {
			name   string
			target string
			errMsg string
		}{
			{"Missing Device", "/api/history", "device required"},
			{"Invalid Start", "/api/history?device=a&start=yesterday&end=2024-01-15", "invalid start date"},
			{"Invalid End", "/api/history?device=a&start=2024-01-01&end=15/01/2024", "invalid end date"},
			{"Reversed", "/api/history?device=a&start=2024-01-15&end=2024-01-01", "start date must be before end date"},
			{"Too Long", "/api/history?device=a&start=2022-01-01&end=2024-01-01", "cannot exceed 366 days"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := doRequest(h, http.MethodGet, tt.target, nil, nil)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Contains(t, w.Body.String(), tt.errMsg)
			})
		}
	})

	t.Run("Storage Error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("Days", mock.Anything, "a", mock.Anything, mock.Anything).Return(nil, assert.AnError)
		srv := New(db, nil, utility.NewMap(), nil)

		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/history?device=a", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestUpdate(t *testing.T) {
	verifier := func(ctx context.Context, token string) (string, error) {
		switch token {
		case "scheduler-token":
			return "scheduler@example.iam.gserviceaccount.com", nil
		case "other-token":
			return "someone@example.com", nil
		default:
			return "", errors.New("token expired")
		}
	}

	newServer := func(t *testing.T) (*Server, *testDeps) {
		deps := newTestDeps(t)
		srv := New(deps.db, deps.runner, deps.utilities, deps.switches)
		srv.oidcVerifier = verifier
		srv.updateEmails = []string{"scheduler@example.iam.gserviceaccount.com"}
		return srv, deps
	}

	t.Run("Runs A Tick", func(t *testing.T) {
		srv, deps := newServer(t)
		h := srv.setupHandler()

		w := doRequest(h, http.MethodPost, "/api/update", nil, map[string]string{"Authorization": "Bearer scheduler-token"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp updateResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "success", resp.Status)
		require.NotNil(t, resp.Result)
		assert.True(t, resp.Result.Saved)

		saved, err := deps.store.LoadState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Pool Pump", saved.DeviceName)
		assert.Equal(t, []string{"Pool Pump"}, srv.devices())
	})

	t.Run("Tick Failure", func(t *testing.T) {
		srv, deps := newServer(t)
		deps.sw.err = errors.New("relay offline")

		w := doRequest(srv.setupHandler(), http.MethodPost, "/api/update", nil, map[string]string{"Authorization": "Bearer scheduler-token"})
		require.Equal(t, http.StatusInternalServerError, w.Code)
		var resp updateResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "failed", resp.Status)
		assert.Contains(t, resp.Error, "relay offline")
		require.NotNil(t, resp.Result)
		assert.False(t, resp.Result.State.LastRunSuccessful)
	})

	t.Run("Auth", func(t *testing.T) {
		srv, _ := newServer(t)
		h := srv.setupHandler()

		tests := []struct {
			name   string
			header string
			code   int
		}{
			{"Missing Header", "", http.StatusUnauthorized},
			{"Not Bearer", "Basic abc", http.StatusUnauthorized},
			{"Invalid Token", "Bearer expired", http.StatusUnauthorized},
			{"Wrong Email", "Bearer other-token", http.StatusForbidden},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				headers := map[string]string{}
				if tt.header != "" {
					headers["Authorization"] = tt.header
				}
				w := doRequest(h, http.MethodPost, "/api/update", nil, headers)
				assert.Equal(t, tt.code, w.Code)
			})
		}
		assert.Empty(t, srv.devices())
	})

	t.Run("Disabled Without Auth", func(t *testing.T) {
		deps := newTestDeps(t)
		srv := New(deps.db, deps.runner, deps.utilities, deps.switches)

		w := doRequest(srv.setupHandler(), http.MethodPost, "/api/update", nil, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Bypass", func(t *testing.T) {
		deps := newTestDeps(t)
		srv := New(deps.db, deps.runner, deps.utilities, deps.switches)
		srv.bypassAuth = true

		w := doRequest(srv.setupHandler(), http.MethodPost, "/api/update", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Without Runner", func(t *testing.T) {
		srv := New(&storagemock.MockDatabase{}, nil, utility.NewMap(), nil)
		srv.bypassAuth = true

		w := doRequest(srv.setupHandler(), http.MethodPost, "/api/update", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestForecast(t *testing.T) {
	t.Run("Flat Prices", func(t *testing.T) {
		deps := newTestDeps(t)
		srv := New(deps.db, deps.runner, deps.utilities, deps.switches)
		srv.now = func() time.Time { return time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC) }

		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/forecast", nil, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp forecastResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Steps, types.SlotsPerDay)
		assert.False(t, resp.Degraded)
		assert.Equal(t, 6.0, resp.Target)
		assert.InDelta(t, 6.0, resp.Runtime, 1e-9)
		// 6h at 1500 W and 10c/kWh
		assert.InDelta(t, 9000.0, resp.EnergyWh, 1e-6)
		assert.InDelta(t, 90.0, resp.CostCents, 1e-6)
		assert.True(t, resp.Steps[0].On)
		assert.Equal(t, types.ReasonTargetMet, resp.Steps[len(resp.Steps)-1].Reason)

		// the stored state is untouched
		_, err := deps.store.LoadState(context.Background())
		assert.ErrorIs(t, err, storage.ErrStateNotFound)
	})

	t.Run("Without Prices", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.prices.err = utility.ErrPriceFetch
		srv := New(deps.db, deps.runner, deps.utilities, deps.switches)
		srv.now = func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) }

		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/forecast", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp forecastResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Degraded)
		assert.Len(t, resp.Steps, 24)
		for _, step := range resp.Steps {
			assert.Equal(t, types.ReasonNoScheduleAvailable, step.Reason)
		}
	})

	t.Run("Without Runner", func(t *testing.T) {
		srv := New(&storagemock.MockDatabase{}, nil, utility.NewMap(), nil)
		w := doRequest(srv.setupHandler(), http.MethodGet, "/api/forecast", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestLists(t *testing.T) {
	deps := newTestDeps(t)
	srv := New(deps.db, deps.runner, deps.utilities, deps.switches)
	h := srv.setupHandler()

	w := doRequest(h, http.MethodGet, "/api/list/utilities", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var utilities []types.PriceProviderInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &utilities))
	require.Len(t, utilities, 1)
	assert.Equal(t, "flat", utilities[0].ID)

	w = doRequest(h, http.MethodGet, "/api/list/switches", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var switches []types.SwitchProviderInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &switches))
	require.Len(t, switches, 1)
	assert.Equal(t, "memory", switches[0].ID)

	w = doRequest(h, http.MethodGet, "/api/settings", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var settings types.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, exampleSettings(), settings)
}
