package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal-anchor/internal/models"
	"signal-anchor/internal/returns"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxListLimit = 500

// CreateInput is the caller-supplied content of a new signal.
type CreateInput struct {
	AnalysisRef    *string               `json:"analysisRef,omitempty"`
	AssetName      string                `json:"assetName" validate:"required,max=100"`
	AssetType      models.AssetType      `json:"assetType" validate:"required,oneof=Stock Crypto Forex Commodity Index"`
	PatternName    string                `json:"patternName,omitempty" validate:"max=100"`
	Recommendation models.Recommendation `json:"recommendation" validate:"required,oneof=Buy Sell Hold"`
	Sentiment      models.Sentiment      `json:"sentiment" default:"Neutral" validate:"oneof=Bullish Bearish Neutral"`
	Confidence     int                   `json:"confidence" validate:"gte=0,lte=100"`
	EntryPrice     float64               `json:"entryPrice" validate:"gt=0"`
	ExitPrice      *float64              `json:"exitPrice,omitempty" validate:"omitempty,gt=0"`
	TakeProfit     *float64              `json:"takeProfit,omitempty" validate:"omitempty,gt=0"`
	StopLoss       *float64              `json:"stopLoss,omitempty" validate:"omitempty,gt=0"`
	PriceTargets   map[string]any        `json:"priceTargets,omitempty"`
	Indicators     map[string]any        `json:"indicators,omitempty"`
	Reason         string                `json:"reason" validate:"required"`
}

func (in *CreateInput) normalize() {
	in.AssetName = strings.TrimSpace(in.AssetName)
	in.PatternName = strings.TrimSpace(in.PatternName)
	in.Reason = strings.TrimSpace(in.Reason)
	if in.AnalysisRef != nil {
		ref := strings.TrimSpace(*in.AnalysisRef)
		if ref == "" {
			in.AnalysisRef = nil
		} else {
			in.AnalysisRef = &ref
		}
	}
}

// Patch lists the only fields that may change after creation. Nil means "leave as is".
type Patch struct {
	Status            *models.Status `json:"status,omitempty" validate:"omitempty,oneof=Open Closed Cancelled Expired"`
	ActualClosedPrice *float64       `json:"actualClosedPrice,omitempty" validate:"omitempty,gt=0"`
	ClosedAt          *time.Time     `json:"closedAt,omitempty"`
	Enabled           *bool          `json:"enabled,omitempty"`
	ChainID           *uint64        `json:"chainId,omitempty"`
	ExitPrice         *float64       `json:"exitPrice,omitempty" validate:"omitempty,gt=0"`
	TakeProfit        *float64       `json:"takeProfit,omitempty" validate:"omitempty,gt=0"`
	StopLoss          *float64       `json:"stopLoss,omitempty" validate:"omitempty,gt=0"`
}

// ListFilter narrows a List query. Zero values mean "any".
type ListFilter struct {
	OwnerID       string
	Status        models.Status
	AssetType     models.AssetType
	ChainStatuses []models.ChainStatus
	Enabled       *bool
	CreatedBefore *time.Time
	Limit         int `default:"50"`
	Offset        int
}

// ChainState is the bookkeeping written after a chain interaction.
// A nil LastError clears the previous error; nil hashes are left untouched.
type ChainState struct {
	Status       models.ChainStatus
	LastError    *string
	AnchorTxHash *string
	CloseTxHash  *string
}

// SignalStore owns the relational record of signals.
type SignalStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSignalStore creates a new SignalStore on top of an migrated database.
func NewSignalStore(db *gorm.DB, logger *zap.Logger) *SignalStore {
	return &SignalStore{
		db:     db,
		logger: logger.Named("signal-store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the input and inserts a new Open, not yet anchored signal.
func (s *SignalStore) Create(ctx context.Context, ownerID string, in CreateInput) (*models.Signal, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, &ValidationError{Field: "ownerId", Reason: "is required"}
	}
	in.normalize()
	if err := defaults.Set(&in); err != nil {
		return nil, fmt.Errorf("failed to apply input defaults: %w", err)
	}
	if err := validateStruct(&in); err != nil {
		return nil, err
	}

	priceTargets, err := encodeBlob(in.PriceTargets)
	if err != nil {
		return nil, &ValidationError{Field: "priceTargets", Reason: err.Error()}
	}
	indicators, err := encodeBlob(in.Indicators)
	if err != nil {
		return nil, &ValidationError{Field: "indicators", Reason: err.Error()}
	}

	sig := &models.Signal{
		OwnerID:        ownerID,
		AnalysisRef:    in.AnalysisRef,
		AssetName:      in.AssetName,
		AssetType:      in.AssetType,
		PatternName:    in.PatternName,
		Recommendation: in.Recommendation,
		Sentiment:      in.Sentiment,
		Confidence:     in.Confidence,
		EntryPrice:     in.EntryPrice,
		ExitPrice:      in.ExitPrice,
		TakeProfit:     in.TakeProfit,
		StopLoss:       in.StopLoss,
		PriceTargets:   priceTargets,
		Indicators:     indicators,
		Reason:         in.Reason,
		Status:         models.StatusOpen,
		Enabled:        false,
		ChainStatus:    models.ChainNone,
	}
	if err := s.db.WithContext(ctx).Create(sig).Error; err != nil {
		return nil, fmt.Errorf("failed to create signal: %w", err)
	}

	s.logger.Info("Signal created",
		zap.Uint64("signal_id", sig.ID),
		zap.String("owner_id", ownerID),
		zap.String("asset", sig.AssetName),
		zap.String("recommendation", string(sig.Recommendation)),
	)
	return sig, nil
}

// Get returns the signal with the given id if it is owned by ownerID.
func (s *SignalStore) Get(ctx context.Context, ownerID string, id uint64) (*models.Signal, error) {
	var sig models.Signal
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFoundOrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signal %d: %w", id, err)
	}
	return &sig, nil
}

// Update applies an allow-listed patch. The write is conditional on the
// (status, enabled) pair observed before planning it, so a concurrent
// modification makes the update fail instead of being overwritten.
func (s *SignalStore) Update(ctx context.Context, ownerID string, id uint64, patch Patch) (*models.Signal, error) {
	if err := validateStruct(&patch); err != nil {
		return nil, err
	}
	cur, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	updates, err := s.planUpdate(cur, patch)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return cur, nil
	}
	updates["updated_at"] = s.now()

	res := s.db.WithContext(ctx).
		Model(&models.Signal{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Where("status = ? AND enabled = ?", cur.Status, cur.Enabled).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update signal %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, invalidState(cur, "update", "signal changed concurrently")
	}
	return s.Get(ctx, ownerID, id)
}

func (s *SignalStore) planUpdate(cur *models.Signal, p Patch) (map[string]any, error) {
	updates := map[string]any{}

	next := cur.Status
	if p.Status != nil && *p.Status != cur.Status {
		if cur.Status.Terminal() {
			return nil, invalidState(cur, "update", "terminal status cannot change")
		}
		next = *p.Status
		updates["status"] = next
	}
	if err := s.planClosing(cur, next, p, updates); err != nil {
		return nil, err
	}

	enabled := cur.Enabled
	if p.Enabled != nil {
		if cur.Enabled && !*p.Enabled {
			return nil, invalidState(cur, "update", "an anchored signal cannot be disabled")
		}
		enabled = *p.Enabled
	}
	chainID := cur.ChainID
	if p.ChainID != nil {
		if cur.ChainID != nil && *cur.ChainID != *p.ChainID {
			return nil, invalidState(cur, "update", "chain id is already assigned")
		}
		chainID = p.ChainID
	}
	if enabled != (chainID != nil) {
		return nil, &ValidationError{Field: "enabled", Reason: "must be set together with chainId"}
	}
	if enabled && !cur.Enabled {
		updates["enabled"] = true
		updates["chain_id"] = *chainID
		updates["chain_status"] = models.ChainAnchored
		updates["last_chain_error"] = nil
	}

	if p.ExitPrice != nil {
		updates["exit_price"] = *p.ExitPrice
	}
	if p.TakeProfit != nil {
		updates["take_profit"] = *p.TakeProfit
	}
	if p.StopLoss != nil {
		updates["stop_loss"] = *p.StopLoss
	}
	return updates, nil
}

// planClosing keeps the closing columns consistent with the resulting
// status: price and closedAt exist only on Closed rows, and the return is
// recomputed whenever the price it derives from is written.
func (s *SignalStore) planClosing(cur *models.Signal, next models.Status, p Patch, updates map[string]any) error {
	if next != models.StatusClosed {
		if p.ActualClosedPrice != nil || p.ClosedAt != nil {
			return invalidState(cur, "update", "closing fields are only valid for closed signals")
		}
		if next != cur.Status {
			updates["closed_at"] = s.now()
		}
		return nil
	}

	price := cur.ActualClosedPrice
	if p.ActualClosedPrice != nil {
		price = p.ActualClosedPrice
	}
	if price == nil {
		return &ValidationError{Field: "actualClosedPrice", Reason: "is required when closing"}
	}
	if p.ClosedAt != nil {
		updates["closed_at"] = p.ClosedAt.UTC()
	} else if cur.Status != models.StatusClosed {
		updates["closed_at"] = s.now()
	}
	if p.ActualClosedPrice == nil && cur.Status == models.StatusClosed {
		return nil
	}
	updates["actual_closed_price"] = *price
	if ret := returns.Compute(cur.Recommendation, cur.EntryPrice, *price); ret != nil {
		updates["actual_return_percentage"] = *ret
	} else {
		updates["actual_return_percentage"] = nil
	}
	return nil
}

// List returns signals matching the filter, newest first.
func (s *SignalStore) List(ctx context.Context, filter ListFilter) ([]models.Signal, error) {
	if err := defaults.Set(&filter); err != nil {
		return nil, fmt.Errorf("failed to apply filter defaults: %w", err)
	}

	query := s.db.WithContext(ctx).Model(&models.Signal{})
	if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
		query = query.Where("owner_id = ?", owner)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.AssetType != "" {
		query = query.Where("asset_type = ?", filter.AssetType)
	}
	if len(filter.ChainStatuses) > 0 {
		query = query.Where("chain_status IN ?", filter.ChainStatuses)
	}
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", filter.CreatedBefore.UTC())
	}

	var items []models.Signal
	err := query.
		Order("created_at desc").
		Order("id desc").
		Limit(normalizeLimit(filter.Limit)).
		Offset(normalizeOffset(filter.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	return items, nil
}

// Close moves an Open signal to Closed at closingPrice and records its return.
func (s *SignalStore) Close(ctx context.Context, ownerID string, id uint64, closingPrice float64) (*models.Signal, error) {
	if !(closingPrice > 0) {
		return nil, &ValidationError{Field: "closingPrice", Reason: "must be greater than 0"}
	}
	cur, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusOpen {
		return nil, invalidState(cur, "close", "only open signals can be closed")
	}

	now := s.now()
	updates := map[string]any{
		"status":              models.StatusClosed,
		"actual_closed_price": closingPrice,
		"closed_at":           now,
		"updated_at":          now,
	}
	// Entry price and direction are immutable, so computing outside the
	// conditional update is safe.
	if ret := returns.Compute(cur.Recommendation, cur.EntryPrice, closingPrice); ret != nil {
		updates["actual_return_percentage"] = *ret
	}
	return s.leaveOpen(ctx, cur, "close", updates)
}

// Transition moves an Open signal to Cancelled or Expired.
func (s *SignalStore) Transition(ctx context.Context, ownerID string, id uint64, to models.Status) (*models.Signal, error) {
	if to != models.StatusCancelled && to != models.StatusExpired {
		return nil, &ValidationError{Field: "status", Reason: "must be one of [Cancelled Expired]"}
	}
	cur, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	op := strings.ToLower(string(to))
	if cur.Status != models.StatusOpen {
		return nil, invalidState(cur, op, "only open signals can leave the open state")
	}

	now := s.now()
	return s.leaveOpen(ctx, cur, op, map[string]any{
		"status":     to,
		"closed_at":  now,
		"updated_at": now,
	})
}

// leaveOpen performs the single compare-and-set on status='Open' that every
// terminal transition goes through.
func (s *SignalStore) leaveOpen(ctx context.Context, cur *models.Signal, op string, updates map[string]any) (*models.Signal, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Signal{}).
		Where("id = ? AND owner_id = ? AND status = ?", cur.ID, cur.OwnerID, models.StatusOpen).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to %s signal %d: %w", op, cur.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		latest, err := s.Get(ctx, cur.OwnerID, cur.ID)
		if err != nil {
			return nil, err
		}
		return nil, invalidState(latest, op, "only open signals can leave the open state")
	}

	sig, err := s.Get(ctx, cur.OwnerID, cur.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Signal left open state",
		zap.Uint64("signal_id", sig.ID),
		zap.String("status", string(sig.Status)),
	)
	return sig, nil
}

// RecordChainState writes chain bookkeeping for a signal owned by ownerID.
func (s *SignalStore) RecordChainState(ctx context.Context, ownerID string, id uint64, st ChainState) (*models.Signal, error) {
	updates := map[string]any{
		"chain_status":     st.Status,
		"last_chain_error": derefOrNil(st.LastError),
		"updated_at":       s.now(),
	}
	if st.AnchorTxHash != nil {
		updates["anchor_tx_hash"] = *st.AnchorTxHash
	}
	if st.CloseTxHash != nil {
		updates["close_tx_hash"] = *st.CloseTxHash
	}
	res := s.db.WithContext(ctx).
		Model(&models.Signal{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to record chain state for signal %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFoundOrUnauthorized
	}
	return s.Get(ctx, ownerID, id)
}

// RecordAttempt appends a chain interaction to the audit trail.
func (s *SignalStore) RecordAttempt(ctx context.Context, attempt *models.ChainAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to record chain attempt for signal %d: %w", attempt.SignalID, err)
	}
	return nil
}

// ListAttempts returns the audit trail of a signal owned by ownerID, newest first.
func (s *SignalStore) ListAttempts(ctx context.Context, ownerID string, id uint64) ([]models.ChainAttempt, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	var items []models.ChainAttempt
	err := s.db.WithContext(ctx).
		Where("signal_id = ?", id).
		Order("created_at desc").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chain attempts for signal %d: %w", id, err)
	}
	return items, nil
}

// CountAttempts counts the recorded attempts of one kind for a signal.
func (s *SignalStore) CountAttempts(ctx context.Context, id uint64, kind models.AttemptKind) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.ChainAttempt{}).
		Where("signal_id = ? AND kind = ?", id, kind).
		Count(&total).Error
	return total, err
}

func encodeBlob(v map[string]any) (datatypes.JSON, error) {
	if len(v) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
