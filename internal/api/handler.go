package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// AttemptSource exposes the in-memory release progress.
type AttemptSource interface {
	Attempt(orderNumber string) (model.ReleaseAttempt, bool)
}

// EventHistory reads persisted release transitions.
type EventHistory interface {
	ListEvents(ctx context.Context, orderNumber string) ([]model.ReleaseEvent, error)
}

// AdSource is one side's ad manager.
type AdSource interface {
	Side() model.Side
	Ads() []model.Ad
}

// ReadHandler serves read-only views of release progress and managed ads.
type ReadHandler struct {
	logger   *zap.Logger
	attempts AttemptSource
	history  EventHistory
	ads      []AdSource
}

// NewReadHandler creates a ReadHandler. history may be nil.
func NewReadHandler(logger *zap.Logger, attempts AttemptSource, history EventHistory, ads ...AdSource) *ReadHandler {
	return &ReadHandler{
		logger:   logger,
		attempts: attempts,
		history:  history,
		ads:      ads,
	}
}

// GetRelease returns an order's current attempt and its recorded transitions.
// GET /api/v1/releases/:order
func (h *ReadHandler) GetRelease(c *fiber.Ctx) error {
	num := strings.TrimSpace(c.Params("order"))
	if num == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "order number required"})
	}

	resp := fiber.Map{"order_number": num}
	attempt, tracked := h.attempts.Attempt(num)
	if tracked {
		resp["attempt"] = attempt
	}

	var events []model.ReleaseEvent
	if h.history != nil {
		var err error
		events, err = h.history.ListEvents(c.UserContext(), num)
		if err != nil {
			h.logger.Warn("api.release_history_failed",
				zap.String("order", num),
				zap.Error(err))
			resp["history_error"] = err.Error()
		}
	}
	if !tracked && len(events) == 0 {
		if _, failed := resp["history_error"]; !failed {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order not found"})
		}
	}
	if events == nil {
		events = []model.ReleaseEvent{}
	}
	resp["events"] = events
	return c.JSON(resp)
}

// ListAds returns the managed ads, optionally filtered by ?side=BUY|SELL.
// GET /api/v1/ads
func (h *ReadHandler) ListAds(c *fiber.Ctx) error {
	var want model.Side
	if raw := c.Query("side"); raw != "" {
		side, err := model.ParseSide(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		want = side
	}

	out := []model.Ad{}
	for _, src := range h.ads {
		if want != "" && src.Side() != want {
			continue
		}
		out = append(out, src.Ads()...)
	}
	return c.JSON(fiber.Map{"ads": out, "count": len(out)})
}
