package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketdata/internal/reconcile"
	"github.com/Checker-Finance/marketdata/internal/scheduler"
	"github.com/Checker-Finance/marketdata/pkg/model"
)

// Scheduler hands out and registers instruments.
type Scheduler interface {
	ClaimNext(ctx context.Context) (model.Instrument, error)
	Register(ctx context.Context, m model.Market) error
}

// Reconciler applies order book snapshots.
type Reconciler interface {
	Reconcile(ctx context.Context, m model.Market, at time.Time, batch []model.OrderSnapshot) (reconcile.Result, error)
}

// SchedulerHandler serves the scheduling and batch intake endpoints.
type SchedulerHandler struct {
	logger     *zap.Logger
	scheduler  Scheduler
	reconciler Reconciler
	now        func() time.Time
}

func NewSchedulerHandler(logger *zap.Logger, s Scheduler, r Reconciler) *SchedulerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerHandler{
		logger:     logger,
		scheduler:  s,
		reconciler: r,
		now:        time.Now,
	}
}

// TakeNext claims the next instrument due for a refresh.
func (h *SchedulerHandler) TakeNext(c *fiber.Ctx) error {
	inst, err := h.scheduler.ClaimNext(c.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrNotEligible) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no instrument eligible"})
		}
		h.logger.Error("api.takenext.failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(fiber.StatusOK).JSON(model.NewInstrumentPayload(inst))
}

// StoreBatch reconciles a full snapshot of one market's order book. The
// snapshot is stamped with the time the request arrived.
func (h *SchedulerHandler) StoreBatch(c *fiber.Ctx) error {
	at := h.now()
	market, err := parseMarket(c.Query("regionid"), c.Query("typeid"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var reqs []model.OrderPayload
	if err := c.BodyParser(&reqs); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := model.ValidateOrders(reqs); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if _, err := h.reconciler.Reconcile(c.Context(), market, at, model.Snapshots(reqs)); err != nil {
		h.logger.Error("api.store_batch.failed",
			zap.Stringer("market", market),
			zap.Int("orders", len(reqs)),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.SendStatus(fiber.StatusOK)
}

// RegisterInstrument adds a market to the schedule.
func (h *SchedulerHandler) RegisterInstrument(c *fiber.Ctx) error {
	market, err := parseMarket(c.Query("regionid"), c.Query("typeid"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := h.scheduler.Register(c.Context(), market); err != nil {
		h.logger.Error("api.register_instrument.failed", zap.Stringer("market", market), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}
