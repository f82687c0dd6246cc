package callback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnsr-ai/gpufleet/internal/notify"
	"github.com/tnsr-ai/gpufleet/internal/storage"
	"github.com/tnsr-ai/gpufleet/internal/store/storetest"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

type fakeObjects struct {
	uploads []string
	sizes   map[string]int64
}

func (f *fakeObjects) DownloadURL(_ context.Context, key string) (string, error) {
	return "https://get/" + key, nil
}

func (f *fakeObjects) UploadURL(_ context.Context, key, checksum string) (string, error) {
	f.uploads = append(f.uploads, key)
	return "https://put/" + key + "?md5=" + checksum, nil
}

func (f *fakeObjects) Stat(_ context.Context, key string) (storage.Object, error) {
	size, ok := f.sizes[key]
	if !ok {
		return storage.Object{}, storage.ErrObjectNotFound
	}
	return storage.Object{Key: key, Size: size}, nil
}

type fixture struct {
	st      *storetest.MemStore
	objects *fakeObjects
	rec     *notify.Recorder
	svc     *Service
	job     *models.Job
	outputs []*models.Content
}

const jobKey = "one-time-key"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		st:      storetest.New(),
		objects: &fakeObjects{sizes: map[string]int64{}},
		rec:     &notify.Recorder{},
	}
	f.svc = New(f.st, f.objects, f.rec, nil)

	user := &models.User{Email: "w@example.com", Tier: models.TierStandard}
	require.NoError(t, f.st.CreateUser(ctx, user))
	input := &models.Content{UserID: user.ID, Title: "in.mp4", Status: models.ContentStatusCompleted,
		ContentType: models.ContentTypeVideo, Link: "users/1/in.mp4"}
	require.NoError(t, f.st.CreateContent(ctx, input))

	f.job = &models.Job{
		UserID: user.ID, ContentID: input.ID, Type: models.JobTypeAudio,
		Status: models.JobStatusRunning, Tier: user.Tier,
		OneTimeKey: jobKey, KeyValid: true,
		Config: models.NewAudioConfig(models.AudioFilter{Name: models.FilterTranscription}),
	}
	related := input.ID
	f.outputs = []*models.Content{
		{UserID: user.ID, IDRelated: &related, Title: "in.mp4", Status: models.ContentStatusProcessing, ContentType: models.ContentTypeAudio},
		{UserID: user.ID, IDRelated: &related, Title: "in.srt", Status: models.ContentStatusProcessing, ContentType: models.ContentTypeSubtitle},
	}
	require.NoError(t, f.st.CreateJob(ctx, f.job, f.outputs))
	return f
}

func (f *fixture) upload(t *testing.T, name string, size int64) string {
	t.Helper()
	target, err := f.svc.GenerateUploadURL(context.Background(), f.job.ID, jobKey, UploadRequest{Filename: name})
	require.NoError(t, err)
	f.objects.sizes[target.Key] = size
	return target.Key
}

func TestFetchJob(t *testing.T) {
	f := newFixture(t)
	spec, err := f.svc.FetchJob(context.Background(), f.job.ID, jobKey)
	require.NoError(t, err)
	assert.Equal(t, f.job.ID, spec.JobID)
	assert.Equal(t, models.JobTypeAudio, spec.JobType)
	assert.Equal(t, "https://get/users/1/in.mp4", spec.SourceURL)
	assert.Len(t, spec.Outputs, 2)
	assert.True(t, spec.Config.Has(models.FilterTranscription))
}

func TestCallbacks_RejectWrongKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.FetchJob(ctx, f.job.ID, "nope")
	assert.ErrorIs(t, err, ErrReplayedCallback)
	_, err = f.svc.FetchJob(ctx, 9999, jobKey)
	assert.ErrorIs(t, err, ErrReplayedCallback)
	_, err = f.svc.GenerateUploadURL(ctx, f.job.ID, "", UploadRequest{Filename: "a.wav"})
	assert.ErrorIs(t, err, ErrReplayedCallback)
	_, err = f.svc.JobStatus(ctx, f.job.ID, "nope")
	assert.ErrorIs(t, err, ErrReplayedCallback)

	job, err := f.st.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.True(t, job.KeyValid)
	assert.Empty(t, f.objects.uploads)
}

func TestGenerateUploadURL(t *testing.T) {
	f := newFixture(t)
	target, err := f.svc.GenerateUploadURL(context.Background(), f.job.ID, jobKey, UploadRequest{Filename: "out.wav", Checksum: "sum"})
	require.NoError(t, err)
	assert.Equal(t, "PUT", target.Method)
	assert.Equal(t, storage.OutputPrefix(f.job.UserID, f.job.ID)+"out.wav", target.Key)
	assert.Contains(t, target.URL, "md5=sum")
}

func TestReindex_CompletesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.upload(t, "out.wav", 1234)

	got, err := f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{
		ContentID: f.outputs[0].ID, MediaKind: models.ContentTypeAudio, ObjectKey: key, Duration: 61.5, Hz: 44100,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusCompleted, got.Status)
	assert.Equal(t, int64(1234), got.SizeBytes)

	rows, err := f.st.ListJobContent(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusCompleted, rows[0].Status)
	assert.Equal(t, key, rows[0].Link)
	assert.Equal(t, 44100, rows[0].Hz)
	assert.Equal(t, models.ContentStatusProcessing, rows[1].Status)
}

func TestReindex_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.upload(t, "out.wav", 10)

	_, err := f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{ContentID: 2, MediaKind: models.ContentTypeVideo, ObjectKey: key})
	assert.ErrorIs(t, err, ErrUnknownOutput)

	_, err = f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{ContentID: f.outputs[1].ID, MediaKind: models.ContentTypeAudio, ObjectKey: key})
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{ContentID: f.outputs[0].ID, MediaKind: models.ContentTypeAudio, ObjectKey: "users/1/in.mp4"})
	assert.ErrorIs(t, err, ErrForeignObject)

	_, err = f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{
		ContentID: f.outputs[0].ID, MediaKind: models.ContentTypeAudio,
		ObjectKey: storage.OutputPrefix(f.job.UserID, f.job.ID) + "never-uploaded.wav",
	})
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestJobStatus_CompletedAndReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	audio := f.upload(t, "out.wav", 10)
	subs := f.upload(t, "out.srt", 2)
	_, err := f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{ContentID: f.outputs[0].ID, MediaKind: models.ContentTypeAudio, ObjectKey: audio})
	require.NoError(t, err)
	_, err = f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{ContentID: f.outputs[1].ID, MediaKind: models.ContentTypeSubtitle, ObjectKey: subs})
	require.NoError(t, err)

	status, err := f.svc.JobStatus(ctx, f.job.ID, jobKey)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status)

	job, err := f.st.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.False(t, job.KeyValid)

	_, err = f.svc.JobStatus(ctx, f.job.ID, jobKey)
	assert.ErrorIs(t, err, ErrReplayedCallback)
	_, err = f.svc.FetchJob(ctx, f.job.ID, jobKey)
	assert.ErrorIs(t, err, ErrReplayedCallback)

	events := f.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.JobStatusCompleted, events[0].Status)
}

func TestJobStatus_MissingOutputsFailJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	audio := f.upload(t, "out.wav", 10)
	_, err := f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{ContentID: f.outputs[0].ID, MediaKind: models.ContentTypeAudio, ObjectKey: audio})
	require.NoError(t, err)

	status, err := f.svc.JobStatus(ctx, f.job.ID, jobKey)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status)

	rows, err := f.st.ListJobContent(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusCompleted, rows[0].Status)
	assert.Equal(t, models.ContentStatusFailed, rows[1].Status)

	events := f.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Not every output completed", events[0].Reason)
}

func TestJobStatus_AfterMonitorFinishedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.st.TerminateJob(ctx, f.job.ID, models.JobStatusFailed, "Machine did not boot in time")
	require.NoError(t, err)

	_, err = f.svc.JobStatus(ctx, f.job.ID, jobKey)
	assert.ErrorIs(t, err, ErrReplayedCallback)
	assert.Empty(t, f.rec.Events())
}

func TestJobStatus_FailedResolveKeepsKeyForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	audio := f.upload(t, "out.wav", 10)
	subs := f.upload(t, "out.srt", 2)
	_, err := f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{ContentID: f.outputs[0].ID, MediaKind: models.ContentTypeAudio, ObjectKey: audio})
	require.NoError(t, err)
	_, err = f.svc.Reindex(ctx, f.job.ID, jobKey, ReindexRequest{ContentID: f.outputs[1].ID, MediaKind: models.ContentTypeSubtitle, ObjectKey: subs})
	require.NoError(t, err)

	f.st.ResolveErr = errors.New("connection reset")
	_, err = f.svc.JobStatus(ctx, f.job.ID, jobKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReplayedCallback)

	job, err := f.st.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.True(t, job.KeyValid)
	assert.False(t, job.Status.IsTerminal())

	f.st.ResolveErr = nil
	status, err := f.svc.JobStatus(ctx, f.job.ID, jobKey)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status)
	assert.Len(t, f.rec.Events(), 1)
}
