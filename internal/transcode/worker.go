package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/apperr"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/storage"
	"github.com/premiere-lifecycle/premiere-pipeline-go/pkg/logger"
)

// ObjectStore is the slice of a storage bucket the worker uses.
type ObjectStore interface {
	Upload(ctx context.Context, key, path, contentType string) error
	Download(ctx context.Context, key, path string) error
	Delete(ctx context.Context, key string) error
}

// PremiereStore records the transcoded asset.
type PremiereStore interface {
	FinalizeAsset(ctx context.Context, p *models.Premiere) (*models.Premiere, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Premiere, error)
}

// Acker completes a job in the ledger.
type Acker interface {
	Ack(ctx context.Context, jobID uuid.UUID, workerID, assetKey string) error
}

// Result is the outcome of a successful transcode.
type Result struct {
	AssetKey        string
	DurationSeconds int
}

// Worker turns a raw upload into the premiere's canonical asset.
type Worker struct {
	uploads   ObjectStore
	assets    ObjectStore
	premieres PremiereStore
	acker     Acker
	tx        db.Transactor
	toolchain Toolchain
	tempDir   string
	logger    *zap.Logger
}

// NewWorker creates a Worker. tempDir may be empty for the OS default.
func NewWorker(
	uploads, assets ObjectStore,
	premieres PremiereStore,
	acker Acker,
	tx db.Transactor,
	toolchain Toolchain,
	tempDir string,
	log *zap.Logger,
) *Worker {
	return &Worker{
		uploads:   uploads,
		assets:    assets,
		premieres: premieres,
		acker:     acker,
		tx:        tx,
		toolchain: toolchain,
		tempDir:   tempDir,
		logger:    logger.OrNop(log),
	}
}

// Run adapts Process to the queue's ProcessFunc.
func (w *Worker) Run(ctx context.Context, job *models.TranscodeJob, workerID string) error {
	_, err := w.Process(ctx, job, workerID)
	return err
}

// Process validates, normalizes, probes and uploads the job's input, then finalizes the
// premiere and acks the job in one transaction. The local work directory is removed on
// every path.
func (w *Worker) Process(ctx context.Context, job *models.TranscodeJob, workerID string) (*Result, error) {
	log := w.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("premiere_id", job.PremiereID.String()))

	workDir, err := os.MkdirTemp(w.tempDir, "transcode-*")
	if err != nil {
		return nil, apperr.Transient("create work dir", err)
	}
	defer os.RemoveAll(workDir)

	rawPath := filepath.Join(workDir, "input"+strings.ToLower(filepath.Ext(job.InputRef)))
	if err := w.uploads.Download(ctx, job.InputRef, rawPath); err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.BadInput("download input", err)
		}
		return nil, apperr.Transient("download input", err)
	}

	probe, err := w.toolchain.Probe(ctx, rawPath)
	if err == nil && !probe.HasVideo {
		err = errors.New("no video stream found")
	}
	if err != nil {
		w.discardInput(ctx, job, log)
		return nil, apperr.BadInput("validate input", err)
	}

	outPath := filepath.Join(workDir, "normalized.mp4")
	if err := w.toolchain.Normalize(ctx, rawPath, outPath); err != nil {
		return nil, apperr.Transient("normalize", err)
	}

	normalized, err := w.toolchain.Probe(ctx, outPath)
	if err != nil {
		return nil, apperr.Transient("probe output", err)
	}
	duration := WholeSeconds(normalized.DurationSeconds)
	if duration <= 0 {
		return nil, apperr.Transient("probe output", errors.New("normalized asset has no duration"))
	}

	assetKey := fmt.Sprintf("premieres/%s/%s.mp4", job.PremiereID, uuid.NewString())
	if err := w.assets.Upload(ctx, assetKey, outPath, "video/mp4"); err != nil {
		return nil, apperr.Transient("upload asset", err)
	}

	finalizeLost := false
	err = w.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := w.premieres.FinalizeAsset(ctx, job.Premiere(assetKey, duration)); err != nil {
			if db.IsConflict(err) {
				finalizeLost = true
				return apperr.Conflict("finalize premiere", err)
			}
			return apperr.Transient("finalize premiere", err)
		}
		return w.acker.Ack(ctx, job.ID, workerID, assetKey)
	})
	if err != nil {
		if !apperr.IsConflict(err) {
			if apperr.KindOf(err) == "" {
				err = apperr.Transient("record asset", err)
			}
			return nil, err
		}

		if delErr := w.assets.Delete(ctx, assetKey); delErr != nil {
			log.Warn("Failed to delete superseded asset", zap.String("asset_key", assetKey), zap.Error(delErr))
		}
		if finalizeLost {
			w.settleSuperseded(ctx, job, workerID, log)
		}
		return nil, err
	}

	w.discardInput(ctx, job, log)

	log.Info("Transcoded premiere",
		zap.String("asset_key", assetKey),
		zap.Int("duration_seconds", duration))

	return &Result{AssetKey: assetKey, DurationSeconds: duration}, nil
}

// settleSuperseded acks a job whose premiere was already finalized by someone else, so
// the ledger does not keep retrying work that is done.
func (w *Worker) settleSuperseded(ctx context.Context, job *models.TranscodeJob, workerID string, log *zap.Logger) {
	p, err := w.premieres.GetByID(ctx, job.PremiereID)
	if err != nil || p.AssetKey == nil {
		return
	}
	if err := w.acker.Ack(ctx, job.ID, workerID, *p.AssetKey); err != nil && !apperr.IsConflict(err) {
		log.Warn("Failed to settle superseded job", zap.Error(err))
	}
}

func (w *Worker) discardInput(ctx context.Context, job *models.TranscodeJob, log *zap.Logger) {
	if err := w.uploads.Delete(ctx, job.InputRef); err != nil {
		log.Warn("Failed to delete raw input", zap.String("input_ref", job.InputRef), zap.Error(err))
	}
}
