package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"signal-anchor/internal/analysis"
	"signal-anchor/internal/chain"
	"signal-anchor/internal/config"
	"signal-anchor/internal/lifecycle"
	"signal-anchor/internal/metrics"
	"signal-anchor/internal/models"
	"signal-anchor/internal/portfolio"
	"signal-anchor/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockService is a mock implementation of the Service interface.
type MockService struct {
	mock.Mock
}

func (m *MockService) CreateAndAnchor(ctx context.Context, ownerID string, in store.CreateInput) (*models.Signal, lifecycle.AnchorOutcome, error) {
	args := m.Called(ctx, ownerID, in)
	sig, _ := args.Get(0).(*models.Signal)
	return sig, args.Get(1).(lifecycle.AnchorOutcome), args.Error(2)
}

func (m *MockService) AnchorExisting(ctx context.Context, ownerID string, id uint64) (*models.Signal, lifecycle.AnchorOutcome, error) {
	args := m.Called(ctx, ownerID, id)
	sig, _ := args.Get(0).(*models.Signal)
	return sig, args.Get(1).(lifecycle.AnchorOutcome), args.Error(2)
}

func (m *MockService) CloseSignal(ctx context.Context, ownerID string, id uint64, closingPrice float64, alsoCloseOnChain bool) (*models.Signal, lifecycle.CloseOutcome, error) {
	args := m.Called(ctx, ownerID, id, closingPrice, alsoCloseOnChain)
	sig, _ := args.Get(0).(*models.Signal)
	return sig, args.Get(1).(lifecycle.CloseOutcome), args.Error(2)
}

func (m *MockService) CancelSignal(ctx context.Context, ownerID string, id uint64, alsoCloseOnChain bool) (*models.Signal, lifecycle.CloseOutcome, error) {
	args := m.Called(ctx, ownerID, id, alsoCloseOnChain)
	sig, _ := args.Get(0).(*models.Signal)
	return sig, args.Get(1).(lifecycle.CloseOutcome), args.Error(2)
}

func (m *MockService) ExpireSignal(ctx context.Context, ownerID string, id uint64, alsoCloseOnChain bool) (*models.Signal, lifecycle.CloseOutcome, error) {
	args := m.Called(ctx, ownerID, id, alsoCloseOnChain)
	sig, _ := args.Get(0).(*models.Signal)
	return sig, args.Get(1).(lifecycle.CloseOutcome), args.Error(2)
}

func (m *MockService) RetryCloseOnChain(ctx context.Context, ownerID string, id uint64) (*models.Signal, lifecycle.CloseOutcome, error) {
	args := m.Called(ctx, ownerID, id)
	sig, _ := args.Get(0).(*models.Signal)
	return sig, args.Get(1).(lifecycle.CloseOutcome), args.Error(2)
}

func (m *MockService) ListSignals(ctx context.Context, callerID string, filter store.ListFilter) ([]models.Signal, error) {
	args := m.Called(ctx, callerID, filter)
	items, _ := args.Get(0).([]models.Signal)
	return items, args.Error(1)
}

func (m *MockService) GetPortfolioStats(ctx context.Context, callerID string) (portfolio.Stats, error) {
	args := m.Called(ctx, callerID)
	return args.Get(0).(portfolio.Stats), args.Error(1)
}

func (m *MockService) ListAttempts(ctx context.Context, callerID string, id uint64) ([]models.ChainAttempt, error) {
	args := m.Called(ctx, callerID, id)
	items, _ := args.Get(0).([]models.ChainAttempt)
	return items, args.Error(1)
}

type stubProposals struct {
	proposal *analysis.Proposal
	err      error
}

func (s stubProposals) GetProposal(ctx context.Context, ref string) (*analysis.Proposal, error) {
	return s.proposal, s.err
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTest(t *testing.T, opts Options) (*Server, *MockService, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	opts.Gatherer = reg
	opts.Metrics = metrics.NewRecorder(reg)
	svc := new(MockService)
	return NewServer(config.Server{Port: 0}, svc, opts, zap.NewNop()), svc, reg
}

func do(s *Server, method, path, owner, body string) (*httptest.ResponseRecorder, envelope) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestServer_RequiresOwner(t *testing.T) {
	s, svc, _ := setupTest(t, Options{})

	w, env := do(s, http.MethodGet, "/api/signals", "", "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, http.StatusUnauthorized, env.Code)
	svc.AssertNotCalled(t, "ListSignals", mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_Health(t *testing.T) {
	t.Run("Ready", func(t *testing.T) {
		s, _, _ := setupTest(t, Options{Ready: func(context.Context) error { return nil }})

		w, _ := do(s, http.MethodGet, "/health", "", "")

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("NotReady", func(t *testing.T) {
		s, _, _ := setupTest(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})

		w, _ := do(s, http.MethodGet, "/health", "", "")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestServer_CreateSignal(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		// Arrange
		s, svc, _ := setupTest(t, Options{})
		chainID := uint64(42)
		sig := &models.Signal{ID: 1, OwnerID: "alice", AssetName: "AAPL", Enabled: true, ChainID: &chainID}
		svc.On("CreateAndAnchor", mock.Anything, "alice", mock.MatchedBy(func(in store.CreateInput) bool {
			return in.AssetName == "AAPL" && in.EntryPrice == 150
		})).Return(sig, lifecycle.AnchorOutcome{Status: lifecycle.AnchorAnchored, ChainID: &chainID, TxHash: "0xabc"}, nil)

		// Act
		w, env := do(s, http.MethodPost, "/api/signals", "alice",
			`{"assetName":"AAPL","assetType":"Stock","recommendation":"Buy","confidence":80,"entryPrice":150,"reason":"breakout"}`)

		// Assert
		require.Equal(t, http.StatusCreated, w.Code)
		var data anchorResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, lifecycle.AnchorAnchored, data.Anchor.Status)
		assert.Equal(t, uint64(42), *data.Signal.ChainID)
		svc.AssertExpectations(t)
	})

	t.Run("AnchorFailureStillCreated", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		sig := &models.Signal{ID: 2, OwnerID: "alice", ChainStatus: models.ChainAnchorFailed}
		svc.On("CreateAndAnchor", mock.Anything, "alice", mock.Anything).
			Return(sig, lifecycle.AnchorOutcome{Status: lifecycle.AnchorFailed, Reason: "execution reverted"}, nil)

		w, env := do(s, http.MethodPost, "/api/signals", "alice", `{"assetName":"AAPL"}`)

		require.Equal(t, http.StatusCreated, w.Code)
		var data anchorResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, lifecycle.AnchorFailed, data.Anchor.Status)
		assert.False(t, data.Signal.Enabled)
	})

	t.Run("ValidationError", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("CreateAndAnchor", mock.Anything, "alice", mock.Anything).
			Return(nil, lifecycle.AnchorOutcome{}, &store.ValidationError{Field: "confidence", Reason: "must be at most 100"})

		w, env := do(s, http.MethodPost, "/api/signals", "alice", `{"confidence":101}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, env.Message, "confidence")
	})

	t.Run("MalformedBody", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})

		w, _ := do(s, http.MethodPost, "/api/signals", "alice", `{not json`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "CreateAndAnchor", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestServer_CreateFromProposal(t *testing.T) {
	t.Run("MapsProposal", func(t *testing.T) {
		proposal := &analysis.Proposal{
			Ref:            "prop-1",
			AssetName:      "ETH",
			AssetType:      "Crypto",
			Recommendation: "Sell",
			Sentiment:      "Bearish",
			Confidence:     55,
			PriceTargets:   []byte(`{"entry": 3000, "target": 2700}`),
			Reason:         "double top",
		}
		s, svc, _ := setupTest(t, Options{Proposals: stubProposals{proposal: proposal}})
		svc.On("CreateAndAnchor", mock.Anything, "bob", mock.MatchedBy(func(in store.CreateInput) bool {
			return in.EntryPrice == 3000 && in.ExitPrice != nil && *in.ExitPrice == 2700 && *in.AnalysisRef == "prop-1"
		})).Return(&models.Signal{ID: 3}, lifecycle.AnchorOutcome{Status: lifecycle.AnchorAnchored}, nil)

		w, _ := do(s, http.MethodPost, "/api/signals/from-proposal", "bob", `{"ref":"prop-1"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("UnknownProposal", func(t *testing.T) {
		s, _, _ := setupTest(t, Options{Proposals: stubProposals{err: fmt.Errorf("%w: nope", analysis.ErrProposalNotFound)}})

		w, _ := do(s, http.MethodPost, "/api/signals/from-proposal", "bob", `{"ref":"nope"}`)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("MissingRef", func(t *testing.T) {
		s, _, _ := setupTest(t, Options{Proposals: stubProposals{}})

		w, _ := do(s, http.MethodPost, "/api/signals/from-proposal", "bob", `{}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestServer_ListSignals(t *testing.T) {
	s, svc, _ := setupTest(t, Options{})
	enabled := true
	svc.On("ListSignals", mock.Anything, "alice", store.ListFilter{
		Status:        models.StatusOpen,
		ChainStatuses: []models.ChainStatus{models.ChainAnchored, models.ChainCloseFailed},
		Enabled:       &enabled,
		Limit:         2,
		Offset:        0,
	}).Return([]models.Signal{{ID: 5}, {ID: 4}}, nil)

	w, env := do(s, http.MethodGet, "/api/signals?status=Open&chainStatus=anchored,close_failed&enabled=true&limit=2", "alice", "")

	require.Equal(t, http.StatusOK, w.Code)
	var items []models.Signal
	require.NoError(t, json.Unmarshal(env.Data, &items))
	assert.Len(t, items, 2)
	assert.Equal(t, true, env.Meta["has_next"])
	svc.AssertExpectations(t)
}

func TestServer_AnchorSignal(t *testing.T) {
	t.Run("PreconditionFailed", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		perr := &chain.PreconditionError{Reason: "registry is paused", Err: chain.ErrRegistryPaused}
		svc.On("AnchorExisting", mock.Anything, "alice", uint64(7)).
			Return(&models.Signal{ID: 7}, lifecycle.AnchorOutcome{Status: lifecycle.AnchorFailed, Retryable: true, Err: perr}, nil)

		w, env := do(s, http.MethodPost, "/api/signals/7/anchor", "alice", "")

		assert.Equal(t, http.StatusPreconditionFailed, w.Code)
		var data anchorResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.True(t, data.Anchor.Retryable)
	})

	t.Run("ChainFailure", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		cerr := &chain.ChainError{Op: chain.OpCreate, Err: chain.ErrReverted}
		svc.On("AnchorExisting", mock.Anything, "alice", uint64(7)).
			Return(&models.Signal{ID: 7}, lifecycle.AnchorOutcome{Status: lifecycle.AnchorFailed, Err: cerr}, nil)

		w, _ := do(s, http.MethodPost, "/api/signals/7/anchor", "alice", "")

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("StillUnknown", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		cerr := &chain.ChainError{Op: chain.OpLookup, TxHash: "0xabc", Retryable: true, Unknown: true, Err: chain.ErrTxPending}
		svc.On("AnchorExisting", mock.Anything, "alice", uint64(7)).
			Return(&models.Signal{ID: 7}, lifecycle.AnchorOutcome{Status: lifecycle.AnchorFailed, TxHash: "0xabc", Unknown: true, Err: cerr}, nil)

		w, env := do(s, http.MethodPost, "/api/signals/7/anchor", "alice", "")

		assert.Equal(t, http.StatusAccepted, w.Code)
		var data anchorResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "0xabc", data.Anchor.TxHash)
	})

	t.Run("ForeignSignal", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("AnchorExisting", mock.Anything, "mallory", uint64(7)).
			Return(nil, lifecycle.AnchorOutcome{}, store.ErrNotFoundOrUnauthorized)

		w, _ := do(s, http.MethodPost, "/api/signals/7/anchor", "mallory", "")

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("BadID", func(t *testing.T) {
		s, _, _ := setupTest(t, Options{})

		w, _ := do(s, http.MethodPost, "/api/signals/abc/anchor", "alice", "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestServer_Terminate(t *testing.T) {
	t.Run("CloseDefaultsToChainClose", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("CloseSignal", mock.Anything, "alice", uint64(3), 165.0, true).
			Return(&models.Signal{ID: 3, Status: models.StatusClosed}, lifecycle.CloseOutcome{Attempted: true, Closed: true}, nil)

		w, _ := do(s, http.MethodPost, "/api/signals/3/close", "alice", `{"closingPrice":165}`)

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("ChainLegFailureIsNotAnError", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("CloseSignal", mock.Anything, "alice", uint64(3), 165.0, true).
			Return(&models.Signal{ID: 3, Status: models.StatusClosed, ChainStatus: models.ChainCloseFailed},
				lifecycle.CloseOutcome{Attempted: true, Reason: "execution reverted", Err: &chain.ChainError{Err: chain.ErrReverted}}, nil)

		w, env := do(s, http.MethodPost, "/api/signals/3/close", "alice", `{"closingPrice":165}`)

		require.Equal(t, http.StatusOK, w.Code)
		var data closeResponse
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.False(t, data.Chain.Closed)
		assert.Equal(t, models.StatusClosed, data.Signal.Status)
	})

	t.Run("AlreadyClosed", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("CloseSignal", mock.Anything, "alice", uint64(3), 165.0, false).
			Return(nil, lifecycle.CloseOutcome{}, &store.InvalidStateError{SignalID: 3, Op: "close", Status: models.StatusClosed})

		w, _ := do(s, http.MethodPost, "/api/signals/3/close", "alice", `{"closingPrice":165,"alsoCloseOnChain":false}`)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("CancelWithoutBody", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("CancelSignal", mock.Anything, "alice", uint64(4), true).
			Return(&models.Signal{ID: 4, Status: models.StatusCancelled}, lifecycle.CloseOutcome{}, nil)

		w, _ := do(s, http.MethodPost, "/api/signals/4/cancel", "alice", "")

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("ExpireOffChainOnly", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("ExpireSignal", mock.Anything, "alice", uint64(4), false).
			Return(&models.Signal{ID: 4, Status: models.StatusExpired}, lifecycle.CloseOutcome{}, nil)

		w, _ := do(s, http.MethodPost, "/api/signals/4/expire", "alice", `{"alsoCloseOnChain":false}`)

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})
}

func TestServer_RetryChainClose(t *testing.T) {
	t.Run("Closed", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("RetryCloseOnChain", mock.Anything, "alice", uint64(3)).
			Return(&models.Signal{ID: 3}, lifecycle.CloseOutcome{Attempted: true, Closed: true, TxHash: "0xdef"}, nil)

		w, _ := do(s, http.MethodPost, "/api/signals/3/chain-close", "alice", "")

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("StillFailing", func(t *testing.T) {
		s, svc, _ := setupTest(t, Options{})
		svc.On("RetryCloseOnChain", mock.Anything, "alice", uint64(3)).
			Return(&models.Signal{ID: 3}, lifecycle.CloseOutcome{Attempted: true, Retryable: true, Err: &chain.ChainError{Retryable: true, Err: errors.New("rpc down")}}, nil)

		w, _ := do(s, http.MethodPost, "/api/signals/3/chain-close", "alice", "")

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestServer_PortfolioAndAttempts(t *testing.T) {
	s, svc, _ := setupTest(t, Options{})
	svc.On("GetPortfolioStats", mock.Anything, "alice").Return(portfolio.Stats{TotalCount: 3, AnchoredCount: 1}, nil)
	svc.On("ListAttempts", mock.Anything, "alice", uint64(9)).
		Return([]models.ChainAttempt{{ID: "a1", SignalID: 9, Kind: models.AttemptAnchor, Outcome: models.OutcomeConfirmed}}, nil)

	w, env := do(s, http.MethodGet, "/api/portfolio", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats portfolio.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 3, stats.TotalCount)

	w, env = do(s, http.MethodGet, "/api/signals/9/attempts", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var attempts []models.ChainAttempt
	require.NoError(t, json.Unmarshal(env.Data, &attempts))
	assert.Len(t, attempts, 1)
}

func TestServer_Metrics(t *testing.T) {
	s, svc, _ := setupTest(t, Options{})
	svc.On("GetPortfolioStats", mock.Anything, "alice").Return(portfolio.Stats{}, nil)
	do(s, http.MethodGet, "/api/portfolio", "alice", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `route="/api/portfolio"`)
}

func TestStatusFor(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"validation":   {&store.ValidationError{Field: "x"}, http.StatusBadRequest},
		"not found":    {fmt.Errorf("wrap: %w", store.ErrNotFoundOrUnauthorized), http.StatusNotFound},
		"state":        {&store.InvalidStateError{}, http.StatusConflict},
		"precondition": {&chain.PreconditionError{Err: chain.ErrWrongNetwork}, http.StatusPreconditionFailed},
		"chain":        {&chain.ChainError{Err: chain.ErrConfirmTimeout}, http.StatusBadGateway},
		"upstream":     {&analysis.StatusError{Code: 400}, http.StatusBadGateway},
		"other":        {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}
