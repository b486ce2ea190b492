package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvforecast/nwplake/internal/changelog"
	nerrors "github.com/pvforecast/nwplake/internal/errors"
	"github.com/pvforecast/nwplake/internal/observability"
	"github.com/pvforecast/nwplake/internal/storage"
	"github.com/pvforecast/nwplake/pkg/types"
)

// keyJob processes string keys; keys listed in fail return an error.
type keyJob struct {
	log       *changelog.Log
	available []string
	fail      map[string]error
	processed []string
	onProcess func(key string)
}

func newKeyJob(t *testing.T, keys ...string) *keyJob {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	log, err := changelog.Create(context.Background(), store, "keys", []changelog.Column{{Name: "key", Type: types.TypeString}}, nil)
	require.NoError(t, err)
	return &keyJob{log: log, available: keys, fail: map[string]error{}}
}

func (j *keyJob) Name() string        { return "keys" }
func (j *keyJob) Log() *changelog.Log { return j.log }

func (j *keyJob) Key(rec changelog.Record) (string, error) {
	k, ok := rec["key"].(string)
	if !ok {
		return "", errors.New("no key")
	}
	return k, nil
}

func (j *keyJob) Available(context.Context) ([]changelog.Record, error) {
	recs := make([]changelog.Record, len(j.available))
	for i, k := range j.available {
		recs[i] = changelog.Record{"key": k}
	}
	return recs, nil
}

func (j *keyJob) Process(_ context.Context, rec changelog.Record, progress Progress) (changelog.Record, error) {
	k := rec["key"].(string)
	j.processed = append(j.processed, k)
	if j.onProcess != nil {
		j.onProcess(k)
	}
	progress(StateFetching)
	if err := j.fail[k]; err != nil {
		return nil, err
	}
	progress(StateWritten)
	return rec, nil
}

func TestRunner_ProcessesPendingInKeyOrderOnce(t *testing.T) {
	job := newKeyJob(t, "c", "a", "b", "a")
	require.NoError(t, job.log.Append(context.Background(), changelog.Record{"key": "b"}))

	report, err := NewRunner(observability.DiscardLogger(), nil, nil).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, job.processed)
	assert.Equal(t, 4, report.Available)
	assert.Equal(t, 1, report.Done)
	assert.Equal(t, 2, report.Pending)
	assert.Equal(t, 2, report.Succeeded)
	assert.NoError(t, report.Err())
	assert.NotEmpty(t, report.RunID)
}

func TestRunner_FailuresAreIsolated(t *testing.T) {
	job := newKeyJob(t, "a", "b", "c")
	job.fail["b"] = nerrors.NewUpstreamError(nerrors.CodeHTTPStatus, "status 502", nil)
	metrics := observability.NewMetricsForTesting()

	report, err := NewRunner(observability.DiscardLogger(), metrics, nil).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, job.processed)
	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "b", report.Failures[0].Key)
	assert.Equal(t, StateFetching, report.Failures[0].State)
	assert.True(t, errors.Is(report.Err(), nerrors.ErrUpstreamHTTP))
	assert.Contains(t, report.Err().Error(), "b (fetching)")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Units.WithLabelValues("keys", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Units.WithLabelValues("keys", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("keys", "partial")))

	// the failed unit alone is retried on the next run
	delete(job.fail, "b")
	job.processed = nil
	report, err = NewRunner(observability.DiscardLogger(), metrics, nil).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, job.processed)
	assert.Equal(t, 1, report.Succeeded)
}

func TestRunner_CancellationStopsBeforeNextUnit(t *testing.T) {
	job := newKeyJob(t, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job.onProcess = func(k string) {
		if k == "a" {
			cancel()
		}
	}

	report, err := NewRunner(observability.DiscardLogger(), nil, nil).Run(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, job.processed)

	// a was written but its log append saw the cancelled context
	require.Len(t, report.Failures, 1)
	assert.Equal(t, StateWritten, report.Failures[0].State)
	assert.Equal(t, 0, report.Succeeded)
}

type brokenListing struct{ *keyJob }

func (brokenListing) Available(context.Context) ([]changelog.Record, error) {
	return nil, nerrors.NewNetworkError("listing timed out", nil)
}

func TestRunner_ListingFailureIsFatal(t *testing.T) {
	job := brokenListing{newKeyJob(t, "a")}
	_, err := NewRunner(observability.DiscardLogger(), nil, nil).Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nerrors.ErrTransientNetwork))
	assert.Empty(t, job.processed)
}

func TestReport_Err(t *testing.T) {
	r := &Report{}
	assert.NoError(t, r.Err())

	for i := 0; i < 3; i++ {
		r.Failures = append(r.Failures, Failure{Key: fmt.Sprint(i), State: StateTransforming, Err: errors.New("bad payload")})
	}
	assert.Contains(t, r.Err().Error(), "3 errors occurred")
}
