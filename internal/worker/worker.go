// Package worker fulfills generation tasks pulled from the queue. Deliveries
// arrive at least once; every mutation below is guarded by a conditional
// update or a ledger correlation id so replays settle as no-ops.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/lumina"
	"github.com/mirelle/photoset/internal/metrics"
	"github.com/mirelle/photoset/internal/models"
	"github.com/mirelle/photoset/internal/notify"
	"github.com/mirelle/photoset/internal/paywall"
	"github.com/mirelle/photoset/internal/queue"
	"github.com/mirelle/photoset/internal/storage"
)

// variantsPerTake is how many variant slots a take fills; one provider call
// per slot with distinct seeds.
const variantsPerTake = 3

type Generator interface {
	Generate(ctx context.Context, req lumina.Request) (*lumina.Result, error)
}

type Uploader interface {
	UploadArtifact(ctx context.Context, sessionID, takeID int64, kind storage.ArtifactKind, data []byte, contentType string) (string, error)
}

type AccountStore interface {
	FindByID(ctx context.Context, id int64) (*models.Account, error)
}

type SessionStore interface {
	GetByID(ctx context.Context, id int64) (*models.Session, error)
}

type TakeStore interface {
	GetByID(ctx context.Context, id int64) (*models.Take, error)
	MarkReady(ctx context.Context, id int64, variants []models.Variant) (applied, counted bool, err error)
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)
}

type FavoriteStore interface {
	GetByID(ctx context.Context, id int64) (*models.Favorite, error)
	MarkHDDelivered(ctx context.Context, id int64, hdPath string) (applied, counted bool, err error)
	MarkHDFailed(ctx context.Context, id int64) (bool, error)
}

// Compensator issues the make-good path for a failed HD delivery.
type Compensator interface {
	Compensate(ctx context.Context, fav *models.Favorite, reason models.CompensationReason) (bool, error)
}

type Worker struct {
	cfg       config.Config
	log       *slog.Logger
	accounts  AccountStore
	sessions  SessionStore
	takes     TakeStore
	favorites FavoriteStore
	ledger    *ledger.Ledger
	generator Generator
	uploader  Uploader
	comp      Compensator
	notifier  notify.Notifier
	metrics   *metrics.Metrics
}

func New(cfg config.Config, log *slog.Logger, accounts AccountStore, sessions SessionStore, takes TakeStore, favorites FavoriteStore, l *ledger.Ledger, gen Generator, up Uploader, comp Compensator, n notify.Notifier, m *metrics.Metrics) *Worker {
	return &Worker{
		cfg:       cfg,
		log:       log,
		accounts:  accounts,
		sessions:  sessions,
		takes:     takes,
		favorites: favorites,
		ledger:    l,
		generator: gen,
		uploader:  up,
		comp:      comp,
		notifier:  n,
		metrics:   m,
	}
}

// Run consumes the queue until ctx is done.
func (w *Worker) Run(ctx context.Context, q queue.Queue) error {
	return q.Consume(ctx, w.Handle)
}

// Handle dispatches one delivery. A nil return acknowledges; an error asks
// the queue to redeliver.
func (w *Worker) Handle(ctx context.Context, task queue.Task, attempt int) error {
	switch task.Kind {
	case queue.KindTake:
		return w.handleTake(ctx, task.ID, attempt)
	case queue.KindHD:
		return w.handleHD(ctx, task.ID, attempt)
	default:
		w.log.Error("unknown task kind dropped", "kind", task.Kind, "id", task.ID)
		return nil
	}
}

func (w *Worker) handleTake(ctx context.Context, takeID int64, attempt int) error {
	take, err := w.takes.GetByID(ctx, takeID)
	if err != nil {
		return err
	}
	if take == nil {
		w.log.Error("take task for missing row dropped", "take_id", takeID)
		return nil
	}
	if take.Status != models.TakeGenerating {
		// Redelivery after the terminal transition already happened. The
		// ledger followup may still be missing if the previous delivery died
		// between the flip and the capture or release, so re-issue it; a
		// followup that already landed replays as a no-op.
		w.countTake("redelivered")
		switch take.Status {
		case models.TakeReady:
			return w.captureTake(ctx, take)
		case models.TakeFailed:
			return w.releaseTake(ctx, take)
		}
		return nil
	}
	if take.SessionID == nil {
		return w.failTake(ctx, take, "take has no session")
	}

	session, err := w.sessions.GetByID(ctx, *take.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return w.failTake(ctx, take, "session missing")
	}

	inputURL := ""
	if session.InputPhotoRef != nil {
		inputURL = *session.InputPhotoRef
	}

	variants, genErr := w.generateVariants(ctx, take, inputURL)
	if genErr != nil {
		if lumina.IsPermanent(genErr) {
			w.log.Info("take failed permanently", "take_id", take.ID, "err", genErr)
			return w.failTake(ctx, take, genErr.Error())
		}
		if attempt >= w.cfg.TaskMaxDeliver {
			w.log.Error("take attempts exhausted", "take_id", take.ID, "attempt", attempt, "err", genErr)
			return w.failTake(ctx, take, "generation attempts exhausted")
		}
		return fmt.Errorf("generate take %d: %w", take.ID, genErr)
	}

	applied, counted, err := w.takes.MarkReady(ctx, take.ID, variants)
	if err != nil {
		return err
	}
	if !applied {
		w.countTake("redelivered")
		return nil
	}
	if !counted {
		w.log.Error("take delivered beyond session quota", "take_id", take.ID, "session_id", session.ID)
	}
	if err := w.captureTake(ctx, take); err != nil {
		return err
	}

	decision := paywall.Decide(paywall.AccessContext{
		QuotaFunded:    take.CostType == models.CostTypeFree || take.CostType == models.CostTypeCopy,
		Unlocked:       take.Unlocked,
		ReservedCredit: take.ReservedCredit,
	})
	w.countTake("ready")
	w.log.Info("take ready",
		"take_id", take.ID, "session_id", session.ID,
		"variants", len(variants), "watermarked", decision.ShowPreview)
	if tgID, ok := w.telegramID(ctx, take.AccountID); ok {
		w.notifier.TakeReady(ctx, tgID, session.ID, take.ID, decision.ShowPreview)
	}
	return nil
}

// generateVariants fills up to variantsPerTake slots. A permanent failure
// before the first variant aborts the take; after that the slots already
// produced are kept.
func (w *Worker) generateVariants(ctx context.Context, take *models.Take, inputURL string) ([]models.Variant, error) {
	var variants []models.Variant
	for i := 0; i < variantsPerTake; i++ {
		seed := take.ID*int64(variantsPerTake) + int64(i) + 1
		res, err := w.generator.Generate(ctx, lumina.Request{
			TemplateID:    take.TemplateID,
			InputPhotoURL: inputURL,
			Seed:          seed,
		})
		if err != nil {
			if len(variants) > 0 {
				w.log.Error("variant generation stopped short",
					"take_id", take.ID, "have", len(variants), "err", err)
				return variants, nil
			}
			return nil, err
		}

		sessionID := int64(0)
		if take.SessionID != nil {
			sessionID = *take.SessionID
		}
		previewPath, err := w.uploader.UploadArtifact(ctx, sessionID, take.ID, storage.KindPreview, res.Preview, res.Mime)
		if err != nil {
			return nil, fmt.Errorf("upload preview: %w", err)
		}
		originalPath, err := w.uploader.UploadArtifact(ctx, sessionID, take.ID, storage.KindOriginal, res.Original, res.Mime)
		if err != nil {
			return nil, fmt.Errorf("upload original: %w", err)
		}
		variants = append(variants, models.Variant{
			PreviewPath:  previewPath,
			OriginalPath: originalPath,
			Seed:         res.Seed,
		})
	}
	return variants, nil
}

// captureTake settles the credit hold behind a ready take. Keyed on the take
// correlation id, so replaying it after a crash or redelivery is a no-op.
func (w *Worker) captureTake(ctx context.Context, take *models.Take) error {
	if take.CostType != models.CostTypeCredit || take.ReservedCredit <= 0 {
		return nil
	}
	return w.ledger.Capture(ctx, take.AccountID, ledger.TakeCorrelation(take.ID), take.ReservedCredit)
}

// releaseTake returns the hold behind a failed take, replay-safe by the same
// correlation key.
func (w *Worker) releaseTake(ctx context.Context, take *models.Take) error {
	if take.CostType != models.CostTypeCredit || take.ReservedCredit <= 0 {
		return nil
	}
	return w.ledger.Release(ctx, take.AccountID, ledger.TakeCorrelation(take.ID), take.ReservedCredit)
}

// failTake is the terminal failure transition plus the refund: the session
// counter only moves on success, so only the credit hold needs releasing.
func (w *Worker) failTake(ctx context.Context, take *models.Take, reason string) error {
	applied, err := w.takes.MarkFailed(ctx, take.ID, reason)
	if err != nil {
		return err
	}
	if !applied {
		// Another delivery owns the terminal transition and its followup.
		w.countTake("redelivered")
		return nil
	}
	if err := w.releaseTake(ctx, take); err != nil {
		return err
	}
	w.countTake("failed")
	if take.SessionID != nil {
		if tgID, ok := w.telegramID(ctx, take.AccountID); ok {
			w.notifier.TakeFailed(ctx, tgID, *take.SessionID, take.ID)
		}
	}
	return nil
}

func (w *Worker) handleHD(ctx context.Context, favoriteID int64, attempt int) error {
	fav, err := w.favorites.GetByID(ctx, favoriteID)
	if err != nil {
		return err
	}
	if fav == nil {
		w.log.Error("hd task for missing favorite dropped", "favorite_id", favoriteID)
		return nil
	}
	if fav.HDStatus != models.HDPending {
		// Delivered, failed or compensated while this delivery waited. A
		// delivered favorite may still be missing its capture if the previous
		// delivery died right after the flip; re-issuing it is a no-op once
		// the capture has landed.
		w.countHD("redelivered")
		if fav.HDStatus == models.HDDelivered {
			return w.ledger.Capture(ctx, fav.AccountID, ledger.FavoriteCorrelation(fav.ID), w.cfg.HDCreditCost)
		}
		return nil
	}

	take, err := w.takes.GetByID(ctx, fav.TakeID)
	if err != nil {
		return err
	}
	if take == nil {
		return w.failHD(ctx, fav)
	}
	session, err := w.sessions.GetByID(ctx, fav.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return w.failHD(ctx, fav)
	}

	inputURL := ""
	if session.InputPhotoRef != nil {
		inputURL = *session.InputPhotoRef
	}
	seed := int64(0)
	if fav.VariantIndex < len(take.Variants) {
		seed = take.Variants[fav.VariantIndex].Seed
	}

	res, genErr := w.generator.Generate(ctx, lumina.Request{
		TemplateID:    take.TemplateID,
		InputPhotoURL: inputURL,
		Seed:          seed,
		HD:            true,
	})
	if genErr != nil {
		if lumina.IsPermanent(genErr) {
			w.log.Info("hd delivery failed permanently", "favorite_id", fav.ID, "err", genErr)
			return w.failHD(ctx, fav)
		}
		if attempt >= w.cfg.TaskMaxDeliver {
			w.log.Error("hd attempts exhausted", "favorite_id", fav.ID, "attempt", attempt, "err", genErr)
			return w.failHD(ctx, fav)
		}
		return fmt.Errorf("generate hd %d: %w", fav.ID, genErr)
	}

	hdPath, err := w.uploader.UploadArtifact(ctx, fav.SessionID, fav.TakeID, storage.KindHD, res.Original, res.Mime)
	if err != nil {
		return fmt.Errorf("upload hd: %w", err)
	}

	applied, counted, err := w.favorites.MarkHDDelivered(ctx, fav.ID, hdPath)
	if err != nil {
		return err
	}
	if !applied {
		// Either another delivery won the flip and owns the capture, or the
		// favorite was compensated while this one was rendering. In both
		// cases the hold is no longer ours to settle.
		w.countHD("redelivered")
		return nil
	}
	if !counted {
		w.log.Error("hd delivered beyond session quota", "favorite_id", fav.ID, "session_id", fav.SessionID)
	}
	if err := w.ledger.Capture(ctx, fav.AccountID, ledger.FavoriteCorrelation(fav.ID), w.cfg.HDCreditCost); err != nil {
		return err
	}
	w.countHD("delivered")
	w.log.Info("hd delivered", "favorite_id", fav.ID, "session_id", fav.SessionID)
	if tgID, ok := w.telegramID(ctx, fav.AccountID); ok {
		w.notifier.HDDelivered(ctx, tgID, fav.ID, hdPath)
	}
	return nil
}

// failHD marks the favorite failed and routes it straight into compensation:
// the buyer was promised a delivery, so a bare refund is not enough.
func (w *Worker) failHD(ctx context.Context, fav *models.Favorite) error {
	applied, err := w.favorites.MarkHDFailed(ctx, fav.ID)
	if err != nil {
		return err
	}
	if !applied {
		w.countHD("redelivered")
		return nil
	}
	w.countHD("failed")
	if tgID, ok := w.telegramID(ctx, fav.AccountID); ok {
		w.notifier.HDFailed(ctx, tgID, fav.ID)
	}
	if _, err := w.comp.Compensate(ctx, fav, models.ReasonDeliveryFailed); err != nil {
		return err
	}
	return nil
}

func (w *Worker) telegramID(ctx context.Context, accountID int64) (int64, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	account, err := w.accounts.FindByID(lookupCtx, accountID)
	if err != nil || account == nil {
		w.log.Error("load account for notification", "account_id", accountID, "err", err)
		return 0, false
	}
	return account.TelegramID, true
}

func (w *Worker) countTake(result string) {
	if w.metrics != nil {
		w.metrics.TakesProcessed.WithLabelValues(result).Inc()
	}
}

func (w *Worker) countHD(result string) {
	if w.metrics != nil {
		w.metrics.HDDeliveries.WithLabelValues(result).Inc()
	}
}
