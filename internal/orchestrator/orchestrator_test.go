package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnsr-ai/gpufleet/internal/cache/cachetest"
	"github.com/tnsr-ai/gpufleet/internal/config"
	"github.com/tnsr-ai/gpufleet/internal/lifecycle"
	"github.com/tnsr-ai/gpufleet/internal/marketplace"
	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/provider"
	"github.com/tnsr-ai/gpufleet/internal/provider/mock"
	"github.com/tnsr-ai/gpufleet/internal/queue"
	"github.com/tnsr-ai/gpufleet/internal/scheduler"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/internal/store/storetest"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*queue.Task
	err   error
}

func (q *recordingQueue) Push(_ context.Context, task *queue.Task) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

type harness struct {
	st    *storetest.MemStore
	q     *recordingQueue
	prov  *mock.Provisioner
	rec   *notify.Recorder
	orch  *Orchestrator
	user  *models.User
	video *models.Content
	audio *models.Content
}

func goodListing() models.Listing {
	return models.Listing{
		ID: "offer-1", Provider: models.ProviderVast, Model: "RTX 4090",
		VRAMGB: 24, RAMGB: 32, VCPUs: 16, DiskGB: 200, PricePerHr: 0.45,
		Spot: &models.SpotDetails{CUDA: 12.1, Reliability: 0.99, MaxDurationSecs: 1e6,
			DirectPortCount: 32, InternetUpMbps: 400, InternetDownMbps: 900},
	}
}

func newHarness(t *testing.T, tier string) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		st:   storetest.New(),
		q:    &recordingQueue{},
		prov: mock.NewProvisioner(models.ProviderVast),
		rec:  &notify.Recorder{},
	}
	h.prov.ListingsFunc = func(context.Context) ([]models.Listing, error) {
		return []models.Listing{goodListing()}, nil
	}

	h.user = &models.User{Email: "u@example.com", Tier: tier}
	require.NoError(t, h.st.CreateUser(ctx, h.user))
	h.video = &models.Content{
		UserID: h.user.ID, Title: "clip.mp4", Status: models.ContentStatusCompleted,
		ContentType: models.ContentTypeVideo, Resolution: "1920x1080", FPS: 30, Duration: 120, SizeBytes: 2 << 30,
	}
	require.NoError(t, h.st.CreateContent(ctx, h.video))
	h.audio = &models.Content{
		UserID: h.user.ID, Title: "song.wav", Status: models.ContentStatusCompleted,
		ContentType: models.ContentTypeAudio, Duration: 600, SizeBytes: 50 << 20,
	}
	require.NoError(t, h.st.CreateContent(ctx, h.audio))

	registry := provider.NewRegistry(h.prov)
	agg := marketplace.NewAggregator(registry.Marketplaces(), time.Second, nil, nil)
	selector := scheduler.NewSelector(agg, registry, scheduler.Options{
		DurationMargin: time.Hour,
		SupportedCUDA:  []string{"12.0", "12.1"},
		Template:       scheduler.Template{Image: "worker:test"},
	}, nil, nil)
	monitor := lifecycle.NewMonitor(lifecycle.Deps{
		Store:        h.st,
		Provisioners: registry,
		Cache:        cachetest.New(),
		Notifier:     h.rec,
	}, lifecycle.Options{PollInterval: time.Millisecond, TerminateTimeout: time.Second})

	h.orch = New(Deps{
		Store:        h.st,
		Queue:        h.q,
		Selector:     selector,
		Monitor:      monitor,
		Provisioners: registry,
		Notifier:     h.rec,
	}, Options{
		Tiers:           config.DefaultTiers(),
		MaxPricePerHour: 0.7,
		CallbackBaseURL: "https://api.example.com",
	})
	return h
}

func sr2x() models.JobConfig {
	return models.NewVideoConfig(models.VideoFilter{Name: models.FilterSuperResolution, Model: models.ModelSR2x})
}

// --- Register ---

func TestRegister_QueuesJob(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	ctx := context.Background()

	job, err := h.orch.Register(ctx, h.user.ID, RegisterRequest{ContentID: h.video.ID, Config: sr2x()})
	require.NoError(t, err)
	assert.Equal(t, int64(6300), job.ETASeconds)
	assert.Equal(t, 1.89, job.Price)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.True(t, job.KeyValid)
	assert.NotEmpty(t, job.OneTimeKey)

	require.Len(t, h.q.tasks, 1)
	assert.Equal(t, job.ID, h.q.tasks[0].JobID)
	require.NotNil(t, job.TaskRef)
	assert.Equal(t, h.q.tasks[0].ID, *job.TaskRef)

	outputs, err := h.st.ListJobContent(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, models.ContentTypeVideo, outputs[0].ContentType)
	assert.Equal(t, []string{"super_resolution"}, outputs[0].Tags)
	assert.Equal(t, h.video.ID, *outputs[0].IDRelated)
}

func TestRegister_ExtraOutputs(t *testing.T) {
	h := newHarness(t, models.TierDeluxe)
	ctx := context.Background()

	job, err := h.orch.Register(ctx, h.user.ID, RegisterRequest{
		ContentID: h.audio.ID,
		Config: models.NewAudioConfig(
			models.AudioFilter{Name: models.FilterStemSeparation},
			models.AudioFilter{Name: models.FilterTranscription},
		),
	})
	require.NoError(t, err)
	outputs, err := h.st.ListJobContent(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.Equal(t, models.ContentTypeAudio, outputs[0].ContentType)
	assert.Equal(t, models.ContentTypeSubtitle, outputs[1].ContentType)
	assert.Equal(t, "song.srt", outputs[1].Title)
	assert.Equal(t, models.ContentTypeZip, outputs[2].ContentType)
	assert.Equal(t, "song_stems.zip", outputs[2].Title)

	// Audio filters run on a video's soundtrack too.
	job, err = h.orch.Register(ctx, h.user.ID, RegisterRequest{
		ContentID: h.video.ID,
		Config:    models.NewAudioConfig(models.AudioFilter{Name: models.FilterTranscription}),
	})
	require.NoError(t, err)
	outputs, err = h.st.ListJobContent(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, "clip.srt", outputs[1].Title)
}

func TestRegister_AdmissionDenied(t *testing.T) {
	h := newHarness(t, models.TierFree)
	ctx := context.Background()

	_, err := h.orch.Register(ctx, h.user.ID, RegisterRequest{ContentID: h.video.ID, Config: sr2x()})
	require.NoError(t, err)

	_, err = h.orch.Register(ctx, h.user.ID, RegisterRequest{ContentID: h.video.ID, Config: sr2x()})
	assert.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Len(t, h.q.tasks, 1)
}

func TestRegister_ConcurrentAdmissionHonorsLimit(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	limit := config.DefaultTiers().Limits(models.TierStandard).MaxJobs

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		denied int
	)
	for i := 0; i < limit+4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Register(context.Background(), h.user.ID, RegisterRequest{ContentID: h.video.ID, Config: sr2x()})
			if errors.Is(err, ErrAdmissionDenied) {
				mu.Lock()
				denied++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, denied)
	n, err := h.st.CountActiveJobs(context.Background(), h.user.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, n)
	assert.Len(t, h.q.tasks, limit)
}

func TestRegister_TooManyFilters(t *testing.T) {
	h := newHarness(t, models.TierFree)
	_, err := h.orch.Register(context.Background(), h.user.ID, RegisterRequest{
		ContentID: h.audio.ID,
		Config: models.NewAudioConfig(
			models.AudioFilter{Name: models.FilterStemSeparation},
			models.AudioFilter{Name: models.FilterTranscription},
		),
	})
	assert.ErrorIs(t, err, ErrTooManyFilters)
}

func TestRegister_RejectsBadInput(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	ctx := context.Background()

	_, err := h.orch.Register(ctx, h.user.ID, RegisterRequest{ContentID: 999, Config: sr2x()})
	assert.ErrorIs(t, err, ErrContentNotFound)

	_, err = h.orch.Register(ctx, h.user.ID, RegisterRequest{ContentID: h.video.ID, Config: models.NewVideoConfig()})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = h.orch.Register(ctx, h.user.ID, RegisterRequest{
		ContentID: h.audio.ID,
		Config:    models.NewImageConfig(models.ImageFilter{Name: models.FilterImageDenoising}),
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	pending := &models.Content{UserID: h.user.ID, Title: "up.mp4", Status: models.ContentStatusProcessing, ContentType: models.ContentTypeVideo}
	require.NoError(t, h.st.CreateContent(ctx, pending))
	_, err = h.orch.Register(ctx, h.user.ID, RegisterRequest{ContentID: pending.ID, Config: sr2x()})
	assert.ErrorIs(t, err, ErrContentNotReady)

	assert.Empty(t, h.q.tasks)
}

func TestRegister_QueueFailureFailsJob(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	h.q.err = errors.New("redis down")

	_, err := h.orch.Register(context.Background(), h.user.ID, RegisterRequest{ContentID: h.video.ID, Config: sr2x()})
	require.Error(t, err)

	n, err := h.st.CountActiveJobs(context.Background(), h.user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEstimate_DoesNotStore(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	got, err := h.orch.Estimate(context.Background(), h.user.ID, RegisterRequest{ContentID: h.video.ID, Config: sr2x()})
	require.NoError(t, err)
	assert.Equal(t, int64(6300), got.ETASeconds)
	assert.Equal(t, 1.89, got.Price)

	jobs, err := h.st.ListActiveJobs(context.Background(), h.user.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMediaInfo(t *testing.T) {
	m := MediaInfo(&models.Content{Resolution: "3840x2160", FPS: 24, Duration: 10, SizeBytes: 5})
	assert.Equal(t, models.MediaInfo{Width: 3840, Height: 2160, FPS: 24, DurationSeconds: 10, SizeBytes: 5}, m)
	assert.Zero(t, MediaInfo(&models.Content{}).Width)
}

// --- Run ---

func register(t *testing.T, h *harness, cfg models.JobConfig, contentID int64) (*models.Job, *queue.Task) {
	t.Helper()
	job, err := h.orch.Register(context.Background(), h.user.ID, RegisterRequest{ContentID: contentID, Config: cfg})
	require.NoError(t, err)
	return job, h.q.tasks[len(h.q.tasks)-1]
}

func TestRun_NoCapacity(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	h.prov.ListingsFunc = func(context.Context) ([]models.Listing, error) {
		l := goodListing()
		l.RAMGB, l.VRAMGB, l.VCPUs = 8, 12, 4
		return []models.Listing{l}, nil
	}
	job, task := register(t, h, models.NewVideoConfig(models.VideoFilter{Name: models.FilterSuperResolution, Model: models.ModelSR4x}), h.video.ID)

	require.NoError(t, h.orch.Run(context.Background(), task))

	got, err := h.st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "No machine found", *got.FailureReason)

	_, err = h.st.GetCurrentMachine(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.prov.Launches())
	require.Len(t, h.rec.Events(), 1)
}

func TestRun_LaunchesAndMonitors(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	h.prov.StatusFunc = mock.StatusSequence(models.MachineRunning, models.MachineExited)
	ctx := context.Background()
	job, task := register(t, h, sr2x(), h.video.ID)

	outputs, err := h.st.ListJobContent(ctx, job.ID)
	require.NoError(t, err)
	for _, c := range outputs {
		require.NoError(t, h.st.MarkContentIndexing(ctx, c.ID, job.ID))
		require.NoError(t, h.st.CompleteContent(ctx, c.ID, job.ID, models.ContentMetadata{Link: "x"}))
	}

	require.NoError(t, h.orch.Run(ctx, task))

	got, err := h.st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	machine, err := h.st.GetCurrentMachine(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "vast-1", machine.InstanceID)
	assert.Equal(t, "offer-1", machine.ListingID)
	assert.Equal(t, models.MachineExited, machine.Status)

	launches := h.prov.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, job.OneTimeKey, launches[0].Env["JOB_KEY"])
	assert.Equal(t, "https://api.example.com/api/v1/worker/jobs/"+launches[0].Env["JOB_ID"], launches[0].Env["CALLBACK_URL"])
	assert.Equal(t, 28, launches[0].DiskGB)
}

func TestRun_TerminalJobIsSkipped(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	job, task := register(t, h, sr2x(), h.video.ID)
	_, err := h.st.TerminateJob(context.Background(), job.ID, models.JobStatusCancelled, "user")
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(context.Background(), task))
	assert.Empty(t, h.prov.Launches())
}

func TestRun_ResumesLiveMachine(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	h.prov.StatusFunc = mock.StatusSequence(models.MachineExited)
	ctx := context.Background()
	job, task := register(t, h, sr2x(), h.video.ID)
	require.NoError(t, h.st.CreateMachine(ctx, &models.Machine{
		InstanceID: "existing", JobID: job.ID, UserID: job.UserID,
		Provider: models.ProviderVast, Status: models.MachineRunning,
	}))

	require.NoError(t, h.orch.Run(ctx, task))
	assert.Empty(t, h.prov.Launches())
	assert.Equal(t, []string{"existing"}, h.prov.Terminated())
}

func TestRun_CancelledDuringLaunch(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	ctx := context.Background()
	job, task := register(t, h, sr2x(), h.video.ID)
	h.prov.LaunchFunc = func(context.Context, models.LaunchSpec) (string, error) {
		_, err := h.st.TerminateJob(ctx, job.ID, models.JobStatusCancelled, "user")
		require.NoError(t, err)
		return "late-1", nil
	}

	require.NoError(t, h.orch.Run(ctx, task))

	machine, err := h.st.GetCurrentMachine(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MachineCancelled, machine.Status)
	assert.Equal(t, []string{"late-1"}, h.prov.Terminated())
}

func TestRun_PreemptiveCancelDuringLaunchReleasesInstance(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	job, task := register(t, h, sr2x(), h.video.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.prov.LaunchFunc = func(launchCtx context.Context, _ models.LaunchSpec) (string, error) {
		// The user cancels while the create request is in flight.
		_, err := h.st.TerminateJob(context.Background(), job.ID, models.JobStatusCancelled, "user")
		require.NoError(t, err)
		cancel()
		assert.NoError(t, launchCtx.Err(), "create request must outlive the task context")
		return "late-2", nil
	}

	require.NoError(t, h.orch.Run(ctx, task))

	machine, err := h.st.GetCurrentMachine(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "late-2", machine.InstanceID)
	assert.Equal(t, models.MachineCancelled, machine.Status)
	assert.Equal(t, []string{"late-2"}, h.prov.Terminated())

	got, err := h.st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestRun_ShutdownDuringLaunchKeepsMachineForResume(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	job, task := register(t, h, sr2x(), h.video.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.prov.LaunchFunc = func(context.Context, models.LaunchSpec) (string, error) {
		cancel()
		return "inflight-1", nil
	}

	err := h.orch.Run(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)

	machine, err := h.st.GetCurrentMachine(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "inflight-1", machine.InstanceID)
	assert.Equal(t, models.MachineLoading, machine.Status)
	assert.Empty(t, h.prov.Terminated())

	got, err := h.st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusLoading, got.Status)
}

func TestRun_UnknownJob(t *testing.T) {
	h := newHarness(t, models.TierStandard)
	assert.NoError(t, h.orch.Run(context.Background(), queue.NewTask(404, models.JobTypeVideo)))
}
