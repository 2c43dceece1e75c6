package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	dbmodels "github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/repository"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/service"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockPremiereService struct {
	mock.Mock
}

func (m *mockPremiereService) Ingest(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IngestResponse), args.Error(1)
}

func (m *mockPremiereService) Get(ctx context.Context, id uuid.UUID) (*models.PremiereResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PremiereResponse), args.Error(1)
}

func (m *mockPremiereService) List(ctx context.Context, filters repository.PremiereFilters) (*models.PremiereListResponse, error) {
	args := m.Called(ctx, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PremiereListResponse), args.Error(1)
}

func (m *mockPremiereService) Reschedule(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*models.PremiereResponse, error) {
	args := m.Called(ctx, id, scheduledAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PremiereResponse), args.Error(1)
}

func (m *mockPremiereService) UpdateDetails(ctx context.Context, id uuid.UUID, title, description string) (*models.PremiereResponse, error) {
	args := m.Called(ctx, id, title, description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PremiereResponse), args.Error(1)
}

type mockSubscriber struct {
	mock.Mock
}

func (m *mockSubscriber) Subscribe(ctx context.Context, req *models.SubscribeRequest) error {
	return m.Called(ctx, req).Error(0)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) DispatchManual(ctx context.Context, premiereID uuid.UUID, title, url string) (*service.DispatchResult, error) {
	args := m.Called(ctx, premiereID, title, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.DispatchResult), args.Error(1)
}

type mockPresigner struct {
	mock.Mock
}

func (m *mockPresigner) PresignUpload(ctx context.Context, bucket, fileName, contentType string) (*storage.PresignedUpload, error) {
	args := m.Called(ctx, bucket, fileName, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.PresignedUpload), args.Error(1)
}

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) Sweep(ctx context.Context) (*service.SweepReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SweepReport), args.Error(1)
}

type mockJobReader struct {
	mock.Mock
}

func (m *mockJobReader) Get(ctx context.Context, jobID uuid.UUID) (*dbmodels.TranscodeJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dbmodels.TranscodeJob), args.Error(1)
}

func (m *mockJobReader) Stats(ctx context.Context) (map[string]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}
