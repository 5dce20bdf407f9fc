package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gpsrecorder/go-location-agent/internal/model"
	"gpsrecorder/go-location-agent/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)

type statusRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (s *statusRecorder) SetHTTP(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
}

func (s *statusRecorder) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

type panickingStatus struct{}

func (panickingStatus) SetHTTP(string) { panic("display detached") }

func openQueue(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func scenarioReading(uploadType model.UploadType) model.Reading {
	return model.Reading{
		Latitude:        model.Float(37.7749),
		Longitude:       model.Float(-122.4194),
		ReadingDatetime: "2024-01-01T00:00:00",
		DeviceType:      model.DefaultDeviceType,
		DeviceUUID:      "abc123",
		UploadType:      uploadType,
		SpeedUnit:       model.SpeedUnitUnknown,
		UploadDatetime:  "2024-01-01T00:00:00",
	}
}

func newTestUploader(t *testing.T, endpoint string, q Queue, sink StatusSink) *Uploader {
	t.Helper()
	return New(Options{
		Endpoint: endpoint,
		APIKey:   "secret",
		Timeout:  time.Second,
		Queue:    q,
		Status:   sink,
		Now:      func() time.Time { return fixedNow },
	})
}

func statusServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func queued(t *testing.T, q *store.Store, key string) int {
	t.Helper()
	readings, err := q.ListAll(context.Background())
	require.NoError(t, err)
	n := 0
	for _, r := range readings {
		if r.ReadingDatetime == key {
			n++
		}
	}
	return n
}

func TestSendSetsHeadersAndBody(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := New(Options{Endpoint: srv.URL, APIKey: "secret", APIKeyHeader: "X-Functions-Key"})
	res := u.Send(context.Background(), scenarioReading(model.UploadRealtime))

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "secret", gotHeader.Get("X-Functions-Key"))

	for _, key := range []string{"latitude", "longitude", "reading_datetime", "device_type", "device_uuid", "upload_type", "accuracy", "speed", "speed_unit", "upload_datetime"} {
		assert.Contains(t, gotBody, key)
	}
	assert.Equal(t, "real-time", gotBody["upload_type"])
	assert.Nil(t, gotBody["speed"])
	assert.Equal(t, "N/A", gotBody["speed_unit"])
}

func TestSendClassifiesOutcomes(t *testing.T) {
	tests := []struct {
		name string
		code int
		want Outcome
	}{
		{"ok", http.StatusOK, OutcomeSuccess},
		{"accepted", http.StatusAccepted, OutcomeSuccess},
		{"moved", http.StatusFound, OutcomeRedirect},
		{"not modified", http.StatusNotModified, OutcomeRedirect},
		{"bad request", http.StatusBadRequest, OutcomeFailure},
		{"server error", http.StatusInternalServerError, OutcomeFailure},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.code >= 300 && tc.code < 400 {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			u := New(Options{Endpoint: srv.URL, APIKey: "secret"})
			res := u.Send(context.Background(), scenarioReading(model.UploadRealtime))
			assert.Equal(t, tc.want, res.Outcome)
			assert.Equal(t, tc.code, res.StatusCode)
		})
	}
}

func TestSendDoesNotFollowRedirects(t *testing.T) {
	var followed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		followed.Store(true)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u := New(Options{Endpoint: srv.URL + "/upload", APIKey: "secret"})
	res := u.Send(context.Background(), scenarioReading(model.UploadRealtime))

	assert.Equal(t, OutcomeRedirect, res.Outcome)
	assert.False(t, followed.Load())
}

func TestSendTimeoutIsError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	u := New(Options{Endpoint: srv.URL, APIKey: "secret", Timeout: 50 * time.Millisecond})
	res := u.Send(context.Background(), scenarioReading(model.UploadRealtime))

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Error(t, res.Err)
	assert.Zero(t, res.StatusCode)
}

func TestRealtimeFailureIsQueued(t *testing.T) {
	q := openQueue(t)
	sink := &statusRecorder{}
	srv := statusServer(t, http.StatusInternalServerError)

	u := newTestUploader(t, srv.URL, q, sink)
	u.Upload(context.Background(), scenarioReading(model.UploadRealtime))
	u.Wait()

	assert.Equal(t, 1, queued(t, q, "2024-01-01T00:00:00"))
	assert.Contains(t, sink.last(), "Request status 500 - Failure - ")
}

func TestRealtimeSuccessIsNotQueued(t *testing.T) {
	q := openQueue(t)
	srv := statusServer(t, http.StatusOK)

	u := newTestUploader(t, srv.URL, q, &statusRecorder{})
	u.Upload(context.Background(), scenarioReading(model.UploadRealtime))
	u.Wait()

	n, err := q.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRealtimeRedirectIsQueued(t *testing.T) {
	q := openQueue(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.test/", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	sink := &statusRecorder{}
	u := newTestUploader(t, srv.URL, q, sink)
	u.Upload(context.Background(), scenarioReading(model.UploadRealtime))
	u.Wait()

	assert.Equal(t, 1, queued(t, q, "2024-01-01T00:00:00"))
	assert.Contains(t, sink.last(), "Request status 301 - Redirect - ")
}

func TestRealtimeTransportErrorIsQueuedWithFallbackStatus(t *testing.T) {
	q := openQueue(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	sink := &statusRecorder{}
	u := newTestUploader(t, endpoint, q, sink)
	u.Upload(context.Background(), scenarioReading(model.UploadRealtime))
	u.Wait()

	assert.Equal(t, 1, queued(t, q, "2024-01-01T00:00:00"))
	assert.Equal(t, FallbackStatus(fixedNow), sink.last())
}

func TestSynchronisedSuccessRemovesRow(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, scenarioReading(model.UploadRealtime)))

	srv := statusServer(t, http.StatusOK)
	u := newTestUploader(t, srv.URL, q, &statusRecorder{})
	u.Upload(ctx, scenarioReading(model.UploadSynchronised))
	u.Wait()

	assert.Zero(t, queued(t, q, "2024-01-01T00:00:00"))
}

func TestSynchronisedFailureDoesNotDuplicate(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, scenarioReading(model.UploadRealtime)))

	for _, code := range []int{http.StatusInternalServerError, http.StatusFound, http.StatusUnauthorized} {
		srv := statusServer(t, code)
		u := newTestUploader(t, srv.URL, q, &statusRecorder{})
		u.Upload(ctx, scenarioReading(model.UploadSynchronised))
		u.Wait()
	}

	assert.Equal(t, 1, queued(t, q, "2024-01-01T00:00:00"))
}

func TestMissingDateHeaderStillQueues(t *testing.T) {
	q := openQueue(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Date"] = nil
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &statusRecorder{}
	u := newTestUploader(t, srv.URL, q, sink)
	u.Upload(context.Background(), scenarioReading(model.UploadRealtime))
	u.Wait()

	assert.Equal(t, FallbackStatus(fixedNow), sink.last())
	assert.Equal(t, 1, queued(t, q, "2024-01-01T00:00:00"))
}

func TestStatusPanicDoesNotBlockQueue(t *testing.T) {
	q := openQueue(t)
	srv := statusServer(t, http.StatusInternalServerError)

	u := newTestUploader(t, srv.URL, q, panickingStatus{})
	u.Upload(context.Background(), scenarioReading(model.UploadRealtime))
	u.Wait()

	assert.Equal(t, 1, queued(t, q, "2024-01-01T00:00:00"))
}

func TestCancelledContextStillQueues(t *testing.T) {
	q := openQueue(t)
	srv := statusServer(t, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u := newTestUploader(t, srv.URL, q, &statusRecorder{})
	u.Upload(ctx, scenarioReading(model.UploadRealtime))
	u.Wait()

	assert.Equal(t, 1, queued(t, q, "2024-01-01T00:00:00"))
}

func TestUploadStampsMissingUploadDatetime(t *testing.T) {
	var got model.Reading
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	u := newTestUploader(t, srv.URL, openQueue(t), nil)
	r := scenarioReading(model.UploadRealtime)
	r.UploadDatetime = ""
	u.Upload(context.Background(), r)
	u.Wait()

	assert.Equal(t, model.FormatTimestamp(fixedNow), got.UploadDatetime)
	assert.Equal(t, "2024-01-01T00:00:00", got.ReadingDatetime)
}

func TestSynchronisedUploadInFlightIsNotDuplicated(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		entered <- struct{}{}
		<-release
	}))
	defer srv.Close()

	u := newTestUploader(t, srv.URL, openQueue(t), nil)
	ctx := context.Background()

	u.Upload(ctx, scenarioReading(model.UploadSynchronised))
	<-entered
	u.Upload(ctx, scenarioReading(model.UploadSynchronised))
	close(release)
	u.Wait()

	assert.EqualValues(t, 1, hits.Load())

	// Once settled the key can be sent again.
	u.Upload(ctx, scenarioReading(model.UploadSynchronised))
	u.Wait()
	assert.EqualValues(t, 2, hits.Load())
}

func TestFormatStatus(t *testing.T) {
	_, err := FormatStatus(Result{Outcome: OutcomeError})
	assert.ErrorIs(t, err, ErrFormat)

	_, err = FormatStatus(Result{Outcome: OutcomeFailure, StatusCode: 500, Header: http.Header{}})
	assert.ErrorIs(t, err, ErrFormat)

	text, err := FormatStatus(Result{
		Outcome:    OutcomeSuccess,
		StatusCode: 200,
		Header:     http.Header{"Date": []string{"Mon, 01 Jan 2024 00:00:00 GMT"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Request status 200 - Success - Mon, 01 Jan 2024 00:00:00 GMT", text)
}
