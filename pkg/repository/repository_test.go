package repository_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/repository"
)

func newJob(now time.Time) *model.Job {
	return &model.Job{
		ID:        model.NewJobID(),
		UserID:    "user-1",
		Request:   model.Request{UserID: "user-1", Text: "two balls colliding on ice"},
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testJobRepository(t *testing.T, repo interfaces.JobRepository) {
	// Firestore timestamps carry microseconds; keep comparisons stable
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("put and get", func(t *testing.T) {
		ctx := context.Background()
		job := newJob(now)
		gt.NoError(t, repo.PutJob(ctx, job))

		got, err := repo.GetJob(ctx, job.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.ID, job.ID)
		gt.Equal(t, got.Status, model.JobPending)
		gt.Equal(t, got.Request.Text, job.Request.Text)
	})

	t.Run("get missing job", func(t *testing.T) {
		_, err := repo.GetJob(context.Background(), model.NewJobID())
		gt.True(t, errors.Is(err, model.ErrJobNotFound))
	})

	t.Run("claim is exclusive until the lease expires", func(t *testing.T) {
		ctx := context.Background()
		job := newJob(now)
		gt.NoError(t, repo.PutJob(ctx, job))

		claimed, err := repo.ClaimJob(ctx, job.ID, "w1", now, time.Minute)
		gt.NoError(t, err)
		gt.Equal(t, claimed.Status, model.JobProcessing)
		gt.Equal(t, claimed.ClaimedBy, "w1")

		_, err = repo.ClaimJob(ctx, job.ID, "w2", now.Add(30*time.Second), time.Minute)
		gt.True(t, errors.Is(err, model.ErrAlreadyClaimed))

		reclaimed, err := repo.ClaimJob(ctx, job.ID, "w2", now.Add(2*time.Minute), time.Minute)
		gt.NoError(t, err)
		gt.Equal(t, reclaimed.ClaimedBy, "w2")
	})

	t.Run("terminal job is not claimable", func(t *testing.T) {
		ctx := context.Background()
		job := newJob(now)
		gt.NoError(t, job.Transition(model.JobProcessing, now))
		gt.NoError(t, job.Transition(model.JobReady, now))
		gt.NoError(t, repo.PutJob(ctx, job))

		_, err := repo.ClaimJob(ctx, job.ID, "w1", now, time.Minute)
		gt.True(t, errors.Is(err, model.ErrAlreadyClaimed))
	})

	t.Run("manifest survives storage", func(t *testing.T) {
		ctx := context.Background()
		job := newJob(now)
		gt.NoError(t, job.Transition(model.JobProcessing, now))
		job.Manifest = &model.Manifest{
			Version:     "1.0",
			PhysicsType: model.PhysicsCollision,
			Objects: []model.SimObject{{
				ID: "a", Geometry: model.GeometrySphere, Scale: model.Vec3{1, 1, 1},
				Physics: model.Physics{Mass: 2, Velocity: model.Vec3{1, 0, 0}},
			}},
			Parameters: []model.Parameter{},
		}
		gt.NoError(t, job.Transition(model.JobReady, now))
		gt.NoError(t, repo.PutJob(ctx, job))

		got, err := repo.GetJob(ctx, job.ID)
		gt.NoError(t, err)
		gt.V(t, got.Manifest).NotNil()
		gt.Equal(t, got.Manifest.Objects[0].Physics.Velocity, model.Vec3{1, 0, 0})
		gt.V(t, got.CompletedAt).NotNil()
	})

	t.Run("dead letters", func(t *testing.T) {
		ctx := context.Background()
		job := newJob(now)
		job.Attempts = 3
		dl := model.NewDeadLetter(job, model.FailureTimeout, "deadline exceeded", now)
		gt.NoError(t, repo.PutDeadLetter(ctx, dl))

		got, err := repo.GetDeadLetter(ctx, job.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Reason, model.FailureTimeout)
		gt.Equal(t, got.Attempts, 3)

		list, err := repo.ListDeadLetters(ctx, 0, 100)
		gt.NoError(t, err)
		gt.A(t, list).Longer(0)

		_, err = repo.GetDeadLetter(ctx, model.NewJobID())
		gt.True(t, errors.Is(err, model.ErrDeadLetterNotFound))

		bad := model.NewDeadLetter(job, "gremlins", "", now)
		gt.Error(t, repo.PutDeadLetter(ctx, bad))
	})
}

func TestMemory(t *testing.T) {
	testJobRepository(t, repository.NewMemory())
}

func TestFirestore(t *testing.T) {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	repo, err := repository.New(projectID, databaseID)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	testJobRepository(t, repo)

	gt.NoError(t, repo.Notify(context.Background(), &model.Notification{
		Recipient: "user-1",
		Kind:      model.NotificationJobReady,
		JobID:     model.NewJobID(),
		Message:   "ready",
		CreatedAt: time.Now(),
	}))
}

func TestMemoryListJobsByStatus(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	now := time.Now()

	for i := 0; i < 3; i++ {
		gt.NoError(t, repo.PutJob(ctx, newJob(now.Add(time.Duration(i)*time.Second))))
	}
	done := newJob(now)
	gt.NoError(t, done.Transition(model.JobProcessing, now))
	gt.NoError(t, repo.PutJob(ctx, done))

	pending, err := repo.ListJobsByStatus(ctx, model.JobPending, 10)
	gt.NoError(t, err)
	gt.A(t, pending).Length(3)
	gt.True(t, pending[0].CreatedAt.Before(pending[2].CreatedAt))

	limited, err := repo.ListJobsByStatus(ctx, model.JobPending, 2)
	gt.NoError(t, err)
	gt.A(t, limited).Length(2)
}

func TestMemoryDeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	now := time.Now()

	ready := newJob(now)
	gt.NoError(t, ready.Transition(model.JobProcessing, now))
	gt.NoError(t, ready.Transition(model.JobReady, now))
	gt.NoError(t, repo.PutJob(ctx, ready))

	pending := newJob(now)
	gt.NoError(t, repo.PutJob(ctx, pending))

	failed := newJob(now)
	failed.Status = model.JobProcessing
	gt.NoError(t, failed.Transition(model.JobFailed, now))
	gt.NoError(t, repo.PutJob(ctx, failed))
	gt.NoError(t, repo.PutDeadLetter(ctx, model.NewDeadLetter(failed, model.FailureUpstreamError, "", now)))

	// Jobs expire after 24h, dead letters only after 14 days
	n, err := repo.DeleteExpired(ctx, now.Add(25*time.Hour))
	gt.NoError(t, err)
	gt.Equal(t, n, 2)

	_, err = repo.GetJob(ctx, pending.ID)
	gt.NoError(t, err)
	_, err = repo.GetDeadLetter(ctx, failed.ID)
	gt.NoError(t, err)

	n, err = repo.DeleteExpired(ctx, now.Add(15*24*time.Hour))
	gt.NoError(t, err)
	gt.Equal(t, n, 1)
}

func TestMemoryListDeadLettersNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	now := time.Now()

	var ids []model.JobID
	for i := 0; i < 5; i++ {
		job := newJob(now)
		ids = append(ids, job.ID)
		gt.NoError(t, repo.PutDeadLetter(ctx, model.NewDeadLetter(job, model.FailureTimeout, "", now.Add(time.Duration(i)*time.Minute))))
	}

	list, err := repo.ListDeadLetters(ctx, 0, 2)
	gt.NoError(t, err)
	gt.A(t, list).Length(2)
	gt.Equal(t, list[0].JobID, ids[4])
	gt.Equal(t, list[1].JobID, ids[3])

	rest, err := repo.ListDeadLetters(ctx, 4, 10)
	gt.NoError(t, err)
	gt.A(t, rest).Length(1)
	gt.Equal(t, rest[0].JobID, ids[0])

	empty, err := repo.ListDeadLetters(ctx, 100, 10)
	gt.NoError(t, err)
	gt.A(t, empty).Length(0)
}

func TestMemoryConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	now := time.Now()
	job := newJob(now)
	gt.NoError(t, repo.PutJob(ctx, job))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ClaimJob(ctx, job.ID, "w", now, time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	gt.Equal(t, winners, 1)
}

func TestMemoryNotifications(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	gt.NoError(t, repo.Notify(ctx, &model.Notification{Recipient: "a", Kind: model.NotificationJobReady}))
	gt.NoError(t, repo.Notify(ctx, &model.Notification{Recipient: "b", Kind: model.NotificationJobFailed}))

	gt.A(t, repo.Notifications("a")).Length(1)
	gt.A(t, repo.Notifications("")).Length(2)
}
