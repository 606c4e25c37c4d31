package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signal-anchor/internal/lifecycle"
	"signal-anchor/internal/models"
	"signal-anchor/internal/store"

	"github.com/gin-gonic/gin"
)

type anchorResponse struct {
	Signal *models.Signal          `json:"signal"`
	Anchor lifecycle.AnchorOutcome `json:"anchor"`
}

type closeResponse struct {
	Signal *models.Signal         `json:"signal"`
	Chain  lifecycle.CloseOutcome `json:"chain"`
}

type fromProposalRequest struct {
	Ref string `json:"ref"`
}

type terminateRequest struct {
	ClosingPrice float64 `json:"closingPrice"`
	// Nil means close on chain too.
	AlsoCloseOnChain *bool `json:"alsoCloseOnChain"`
}

func (r terminateRequest) closeOnChain() bool {
	return r.AlsoCloseOnChain == nil || *r.AlsoCloseOnChain
}

func (s *Server) createSignal(c *gin.Context) {
	var in store.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	s.create(c, in)
}

func (s *Server) createFromProposal(c *gin.Context) {
	var req fromProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Ref) == "" {
		Error(c, http.StatusBadRequest, "ref is required", nil)
		return
	}
	proposal, err := s.opts.Proposals.GetProposal(c.Request.Context(), strings.TrimSpace(req.Ref))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	in, err := proposal.CreateInput()
	if err != nil {
		writeError(c, err, nil)
		return
	}
	s.create(c, in)
}

// create answers 201 whenever the signal was persisted; the anchor outcome
// tells the caller whether it reached the registry.
func (s *Server) create(c *gin.Context, in store.CreateInput) {
	sig, outcome, err := s.service.CreateAndAnchor(c.Request.Context(), ownerID(c), in)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	respond(c, http.StatusCreated, anchorResponse{Signal: sig, Anchor: outcome}, nil)
}

func (s *Server) listSignals(c *gin.Context) {
	filter := store.ListFilter{
		Status:    models.Status(strings.TrimSpace(c.Query("status"))),
		AssetType: models.AssetType(strings.TrimSpace(c.Query("assetType"))),
		Limit:     intQuery(c, "limit", 50),
		Offset:    intQuery(c, "offset", 0),
	}
	for _, cs := range listQuery(c, "chainStatus") {
		filter.ChainStatuses = append(filter.ChainStatuses, models.ChainStatus(cs))
	}
	if raw := c.Query("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			Error(c, http.StatusBadRequest, "enabled must be a boolean", nil)
			return
		}
		filter.Enabled = &enabled
	}
	if raw := c.Query("createdBefore"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			Error(c, http.StatusBadRequest, "createdBefore must be RFC3339", nil)
			return
		}
		filter.CreatedBefore = &before
	}

	items, err := s.service.ListSignals(c.Request.Context(), ownerID(c), filter)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	Ok(c, items, paginationMeta(filter.Limit, filter.Offset, len(items)))
}

func (s *Server) anchorSignal(c *gin.Context) {
	id, ok := signalID(c)
	if !ok {
		return
	}
	sig, outcome, err := s.service.AnchorExisting(c.Request.Context(), ownerID(c), id)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	data := anchorResponse{Signal: sig, Anchor: outcome}
	switch {
	case outcome.Status == lifecycle.AnchorAnchored:
		Ok(c, data, nil)
	case outcome.Unknown:
		// Broadcast but not settled yet; the reconciler picks it up.
		respond(c, http.StatusAccepted, data, nil)
	case outcome.Err != nil:
		writeError(c, outcome.Err, data)
	default:
		Error(c, http.StatusBadGateway, outcome.Reason, data)
	}
}

func (s *Server) closeSignal(c *gin.Context) {
	id, ok := signalID(c)
	if !ok {
		return
	}
	var req terminateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	sig, outcome, err := s.service.CloseSignal(c.Request.Context(), ownerID(c), id, req.ClosingPrice, req.closeOnChain())
	s.terminated(c, sig, outcome, err)
}

func (s *Server) cancelSignal(c *gin.Context) {
	id, ok := signalID(c)
	if !ok {
		return
	}
	req, ok := optionalTerminate(c)
	if !ok {
		return
	}
	sig, outcome, err := s.service.CancelSignal(c.Request.Context(), ownerID(c), id, req.closeOnChain())
	s.terminated(c, sig, outcome, err)
}

func (s *Server) expireSignal(c *gin.Context) {
	id, ok := signalID(c)
	if !ok {
		return
	}
	req, ok := optionalTerminate(c)
	if !ok {
		return
	}
	sig, outcome, err := s.service.ExpireSignal(c.Request.Context(), ownerID(c), id, req.closeOnChain())
	s.terminated(c, sig, outcome, err)
}

// terminated answers 200 once the off-chain transition happened, whatever
// the on-chain leg did.
func (s *Server) terminated(c *gin.Context, sig *models.Signal, outcome lifecycle.CloseOutcome, err error) {
	if err != nil {
		writeError(c, err, nil)
		return
	}
	Ok(c, closeResponse{Signal: sig, Chain: outcome}, nil)
}

func (s *Server) retryChainClose(c *gin.Context) {
	id, ok := signalID(c)
	if !ok {
		return
	}
	sig, outcome, err := s.service.RetryCloseOnChain(c.Request.Context(), ownerID(c), id)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	data := closeResponse{Signal: sig, Chain: outcome}
	if outcome.Attempted && !outcome.Closed && outcome.Err != nil {
		writeError(c, outcome.Err, data)
		return
	}
	Ok(c, data, nil)
}

func (s *Server) listAttempts(c *gin.Context) {
	id, ok := signalID(c)
	if !ok {
		return
	}
	items, err := s.service.ListAttempts(c.Request.Context(), ownerID(c), id)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	Ok(c, items, nil)
}

func (s *Server) portfolioStats(c *gin.Context) {
	stats, err := s.service.GetPortfolioStats(c.Request.Context(), ownerID(c))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	Ok(c, stats, nil)
}

func signalID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		Error(c, http.StatusBadRequest, "invalid signal id", nil)
		return 0, false
	}
	return id, true
}

// optionalTerminate reads a terminate body when one was sent.
func optionalTerminate(c *gin.Context) (terminateRequest, bool) {
	var req terminateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return req, false
	}
	return req, true
}
