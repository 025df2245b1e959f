package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"hft-core/internal/balance"
	"hft-core/pkg/db"
	"hft-core/pkg/i18n"
)

// envelope is the response shape of every API route.
type envelope struct {
	Status  int    `json:"status"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{
		Status:  status,
		Success: status < http.StatusBadRequest,
		Message: message,
		Data:    data,
	})
}

// respondError maps ledger and history errors onto client vs server statuses.
func (s *Server) respondError(c *gin.Context, err error, conflictMsg, notFoundMsg string) {
	switch {
	case errors.Is(err, balance.ErrInvalidAmount),
		errors.Is(err, balance.ErrInvalidSymbol),
		errors.Is(err, balance.ErrNegativeQuantity),
		errors.Is(err, db.ErrUserIDRequired):
		respond(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, db.ErrAlreadyExists):
		respond(c, http.StatusConflict, conflictMsg, nil)
	case errors.Is(err, db.ErrNotFound):
		respond(c, http.StatusNotFound, notFoundMsg, nil)
	default:
		s.Logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		respond(c, http.StatusInternalServerError, i18n.M().SomethingWentWrong, nil)
	}
}

type createBalanceRequest struct {
	UserID         string          `json:"userId"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
}

type addHoldingsRequest struct {
	UserID       string `json:"userId"`
	ActiveSymbol string `json:"activeSymbol"`
	TotalStocks  int64  `json:"totalStocks"`
}

type deadLetterView struct {
	MessageID    string    `json:"messageId"`
	GroupID      string    `json:"groupId"`
	Body         string    `json:"body"`
	ReceiveCount int       `json:"receiveCount"`
	SentAt       time.Time `json:"sentAt"`
	MovedAt      time.Time `json:"movedAt"`
}

type balanceData struct {
	AvailableBalance json.Number      `json:"availableBalance"`
	Holdings         map[string]int64 `json:"holdings"`
}

// bindBody decodes a JSON body, answering 400 itself when it cannot.
func bindBody(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		respond(c, http.StatusBadRequest, i18n.M().BodyEmpty, nil)
		return false
	}
	if err := json.NewDecoder(c.Request.Body).Decode(dst); err != nil {
		respond(c, http.StatusBadRequest, i18n.M().InvalidPayload, nil)
		return false
	}
	return true
}

func (s *Server) createBalance(c *gin.Context) {
	var req createBalanceRequest
	if !bindBody(c, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.InitialBalance.IsZero() {
		respond(c, http.StatusBadRequest, i18n.M().BalanceFieldsRequired, nil)
		return
	}
	if !allowUser(c, req.UserID) {
		return
	}

	if err := s.Ledger.CreateIfAbsent(c.Request.Context(), req.UserID, req.InitialBalance); err != nil {
		s.respondError(c, err, i18n.M().UserAlreadyExists, "")
		return
	}
	respond(c, http.StatusCreated, i18n.M().BalanceCreated, nil)
}

func (s *Server) addHoldings(c *gin.Context) {
	var req addHoldingsRequest
	if !bindBody(c, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.TotalStocks == 0 || strings.TrimSpace(req.ActiveSymbol) == "" {
		respond(c, http.StatusBadRequest, i18n.M().HoldingFieldsRequired, nil)
		return
	}
	if !allowUser(c, req.UserID) {
		return
	}

	if err := s.Ledger.AddHolding(c.Request.Context(), req.UserID, req.ActiveSymbol, req.TotalStocks); err != nil {
		s.respondError(c, err, i18n.M().SymbolAlreadyExists, "")
		return
	}
	respond(c, http.StatusCreated, i18n.M().HoldingAdded, nil)
}

func (s *Server) getBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		respond(c, http.StatusBadRequest, i18n.M().UserIDRequired, nil)
		return
	}
	if !allowUser(c, userID) {
		return
	}

	sum, err := s.Ledger.Summary(c.Request.Context(), userID)
	if errors.Is(err, balance.ErrNoCashRow) {
		respond(c, http.StatusNotFound, i18n.M().NoCashBalance, nil)
		return
	}
	if err != nil {
		s.respondError(c, err, "", i18n.M().UserNotFound)
		return
	}
	respond(c, http.StatusOK, i18n.M().Success, balanceData{
		AvailableBalance: json.Number(sum.AvailableBalance.String()),
		Holdings:         sum.Holdings,
	})
}

func (s *Server) getHistory(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		respond(c, http.StatusBadRequest, i18n.M().UserIDRequired, nil)
		return
	}
	if !allowUser(c, userID) {
		return
	}

	recs, err := s.History.ListByUser(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err, "", i18n.M().NoOperations)
		return
	}
	if recs == nil {
		recs = []db.ExecutionRecord{}
	}
	respond(c, http.StatusOK, i18n.M().Success, recs)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respond(c, http.StatusServiceUnavailable, i18n.M().MetricsDisabled, nil)
		return
	}
	snap := s.Metrics.Snapshot()
	if s.Bus != nil {
		respond(c, http.StatusOK, i18n.M().Success, gin.H{"pipeline": snap, "bus_dropped": s.Bus.Dropped()})
		return
	}
	respond(c, http.StatusOK, i18n.M().Success, gin.H{"pipeline": snap})
}

func (s *Server) getQueues(c *gin.Context) {
	depths := make([]db.QueueDepth, 0, len(s.Queues))
	for _, q := range s.Queues {
		d, err := q.Depth(c.Request.Context())
		if err != nil {
			s.respondError(c, err, "", "")
			return
		}
		depths = append(depths, d)
	}
	respond(c, http.StatusOK, i18n.M().Success, depths)
}

func (s *Server) getDeadLetters(c *gin.Context) {
	name := c.Param("name")
	for _, q := range s.Queues {
		if q.Name() != name {
			continue
		}
		dls, err := q.DeadLetters(c.Request.Context(), 100)
		if err != nil {
			s.respondError(c, err, "", "")
			return
		}
		out := make([]deadLetterView, len(dls))
		for i, dl := range dls {
			out[i] = deadLetterView{
				MessageID:    dl.ID,
				GroupID:      dl.GroupID,
				Body:         string(dl.Body),
				ReceiveCount: dl.ReceiveCount,
				SentAt:       dl.SentAt.UTC(),
				MovedAt:      dl.MovedAt.UTC(),
			}
		}
		respond(c, http.StatusOK, i18n.M().Success, out)
		return
	}
	respond(c, http.StatusNotFound, i18n.M().QueueNotFound, nil)
}
