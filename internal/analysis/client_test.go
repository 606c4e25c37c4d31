package analysis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"signal-anchor/internal/config"
	"signal-anchor/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const proposalBody = `{
	"id": "prop-7",
	"assetName": "AAPL",
	"assetType": "Stock",
	"patternName": "Cup and Handle",
	"recommendation": "Buy",
	"sentiment": "Bullish",
	"confidence": 72,
	"priceTargets": {"entry": 150, "target": 180, "stopLoss": 140, "note": "weekly"},
	"indicators": {"rsi": 61.5},
	"reason": "breakout above resistance"
}`

// setupTestServer creates a new test server and a Client configured to use it.
func setupTestServer(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)

	c := &Client{
		client:      resty.New().SetBaseURL(server.URL),
		apiKey:      "test_api_key",
		logger:      zap.NewNop(),
		limiter:     rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		maxRetries:  3,
		baseBackoff: time.Millisecond,
	}
	return c, server
}

func TestGetProposal(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		// Arrange
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/proposals/prop-7", r.URL.Path)
			assert.Equal(t, "test_api_key", r.Header.Get("X-API-KEY"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(proposalBody))
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		// Act
		proposal, err := c.GetProposal(ctx, "prop-7")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "prop-7", proposal.Ref)
		assert.Equal(t, "AAPL", proposal.AssetName)
		assert.Equal(t, 72, proposal.Confidence)
	})

	t.Run("NotFound", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		_, err := c.GetProposal(ctx, "missing")

		assert.ErrorIs(t, err, ErrProposalNotFound)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(proposalBody))
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		proposal, err := c.GetProposal(ctx, "prop-7")

		require.NoError(t, err)
		assert.Equal(t, "AAPL", proposal.AssetName)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("GivesUpAfterMaxRetries", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		_, err := c.GetProposal(ctx, "prop-7")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "request failed after 3 attempts")
		var serr *StatusError
		assert.True(t, errors.As(err, &serr))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("ClientErrorIsNotRetried", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad ref"}`))
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		_, err := c.GetProposal(ctx, "prop-7")

		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusBadRequest, serr.Code)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}

func TestNewClient_AppliesConfig(t *testing.T) {
	c := NewClient(&config.Analysis{BaseURL: "http://analysis.local", Timeout: time.Second}, zap.NewNop())

	assert.Equal(t, "http://analysis.local", c.client.BaseURL)
	assert.Equal(t, 3, c.maxRetries)
	assert.Equal(t, rate.Inf, c.limiter.Limit())
}

func TestProposal_CreateInput(t *testing.T) {
	p := &Proposal{
		Ref:            "prop-7",
		AssetName:      "AAPL",
		AssetType:      "Stock",
		Recommendation: "Buy",
		Sentiment:      "Bullish",
		Confidence:     72,
		PriceTargets:   []byte(`{"entry": 150, "target": 180, "takeProfit": 175, "stopLoss": 140, "note": "weekly"}`),
		Reason:         "breakout",
	}

	in, err := p.CreateInput()

	require.NoError(t, err)
	assert.Equal(t, models.AssetStock, in.AssetType)
	assert.Equal(t, 150.0, in.EntryPrice)
	require.NotNil(t, in.ExitPrice)
	assert.Equal(t, 180.0, *in.ExitPrice)
	assert.Equal(t, 175.0, *in.TakeProfit)
	assert.Equal(t, 140.0, *in.StopLoss)
	assert.Equal(t, "weekly", in.PriceTargets["note"])
	assert.Equal(t, "prop-7", *in.AnalysisRef)
	assert.Nil(t, in.Indicators)
}

func TestProposal_CreateInput_RejectsNonObjectTargets(t *testing.T) {
	p := &Proposal{PriceTargets: []byte(`[1,2,3]`)}

	_, err := p.CreateInput()

	assert.Error(t, err)
}
