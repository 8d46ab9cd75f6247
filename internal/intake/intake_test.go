// Copyright 2025 James Ross
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/ierrors"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/queueadapter"
)

type fakeAdmitter struct {
	admitted []pipeline.Brief
	seen     map[string]bool
	err      error
}

func (f *fakeAdmitter) Admit(ctx context.Context, jobID string, brief pipeline.Brief) (pipeline.Job, error) {
	if f.err != nil {
		return pipeline.Job{}, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[jobID] {
		return pipeline.Job{}, ierrors.ErrDuplicateJob
	}
	f.seen[jobID] = true
	f.admitted = append(f.admitted, brief)
	return pipeline.Job{ID: jobID, Status: pipeline.StatusInProgress}, nil
}

type fakeBlob struct {
	values map[string]interface{}
}

func (f *fakeBlob) Get(ctx context.Context, key string, out interface{}) error {
	v, ok := f.values[key]
	if !ok {
		return context.DeadlineExceeded
	}
	b, _ := json.Marshal(v)
	return json.Unmarshal(b, out)
}

func newTestIntake(t *testing.T) (*Intake, *fakeAdmitter, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Intake.RateLimitPerIP = 1

	log, _ := zap.NewDevelopment()
	queue := queueadapter.New(cfg, rdb, log)
	admitter := &fakeAdmitter{}
	blob := &fakeBlob{values: make(map[string]interface{})}

	return New(cfg, rdb, blob, queue, admitter, log), admitter, rdb
}

func TestHandleSubmitAdmitsValidBrief(t *testing.T) {
	in, admitter, _ := newTestIntake(t)

	body := bytes.NewBufferString(`{"product":"widget","audience":"devs"}`)
	req := httptest.NewRequest("POST", "/jobs", body)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()

	in.Router().ServeHTTP(rec, req)

	require.Equal(t, 201, rec.Code)
	require.Len(t, admitter.admitted, 1)
	require.Equal(t, "widget", admitter.admitted[0].Product)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp.Status)
}

func TestHandleSubmitUsesClientSuppliedJobID(t *testing.T) {
	in, admitter, _ := newTestIntake(t)

	body := bytes.NewBufferString(`{"job_id":"J2","product":"widget","audience":"devs"}`)
	req := httptest.NewRequest("POST", "/jobs", body)
	req.RemoteAddr = "10.0.0.9:1234"
	rec := httptest.NewRecorder()

	in.Router().ServeHTTP(rec, req)

	require.Equal(t, 201, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "J2", resp.JobID)
	require.Len(t, admitter.admitted, 1)
}

func TestHandleSubmitDuplicateClientJobIDFails(t *testing.T) {
	in, _, _ := newTestIntake(t)

	makeReq := func(remote string) *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"job_id":"J2","product":"widget","audience":"devs"}`)
		req := httptest.NewRequest("POST", "/jobs", body)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		in.Router().ServeHTTP(rec, req)
		return rec
	}

	first := makeReq("10.0.0.10:1234")
	require.Equal(t, 201, first.Code)

	second := makeReq("10.0.0.11:1234")
	require.Equal(t, 500, second.Code)
}

func TestHandleSubmitRejectsInvalidBody(t *testing.T) {
	in, _, _ := newTestIntake(t)

	body := bytes.NewBufferString(`{"audience":"devs"}`)
	req := httptest.NewRequest("POST", "/jobs", body)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()

	in.Router().ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestHandleSubmitEnforcesPerIPRateLimit(t *testing.T) {
	in, _, _ := newTestIntake(t)

	makeReq := func() *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"product":"widget","audience":"devs"}`)
		req := httptest.NewRequest("POST", "/jobs", body)
		req.RemoteAddr = "10.0.0.3:1234"
		rec := httptest.NewRecorder()
		in.Router().ServeHTTP(rec, req)
		return rec
	}

	first := makeReq()
	require.Equal(t, 201, first.Code)

	second := makeReq()
	require.Equal(t, 429, second.Code)
	require.Equal(t, "60", second.Header().Get("Retry-After"))
}

func TestHandleSubmitInvalidBodyDoesNotConsumeRateLimitWindow(t *testing.T) {
	in, _, _ := newTestIntake(t)

	badBody := bytes.NewBufferString(`{"audience":"devs"}`)
	badReq := httptest.NewRequest("POST", "/jobs", badBody)
	badReq.RemoteAddr = "10.0.0.4:1234"
	badRec := httptest.NewRecorder()
	in.Router().ServeHTTP(badRec, badReq)
	require.Equal(t, 400, badRec.Code)

	goodBody := bytes.NewBufferString(`{"product":"widget","audience":"devs"}`)
	goodReq := httptest.NewRequest("POST", "/jobs", goodBody)
	goodReq.RemoteAddr = "10.0.0.4:1234"
	goodRec := httptest.NewRecorder()
	in.Router().ServeHTTP(goodRec, goodReq)
	require.Equal(t, 201, goodRec.Code, "a prior 400 must not have consumed the rate-limit window")
}

func TestProcessSubmissionInlineBrief(t *testing.T) {
	in, admitter, _ := newTestIntake(t)
	body := `{"job_id":"job-1","product":"widget","audience":"devs"}`

	err := in.processSubmission(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, admitter.admitted, 1)
}

func TestProcessSubmissionResolvesBlobReference(t *testing.T) {
	in, admitter, _ := newTestIntake(t)
	blob := in.blob.(*fakeBlob)
	blob.values["briefs/job-2.json"] = pipeline.Brief{Product: "widget", Audience: "devs"}

	body := `{"job_id":"job-2","payload_key":"briefs/job-2.json"}`
	err := in.processSubmission(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, admitter.admitted, 1)
	require.Equal(t, "widget", admitter.admitted[0].Product)
}

func TestProcessSubmissionRejectsInvalidBrief(t *testing.T) {
	in, _, _ := newTestIntake(t)
	body := `{"job_id":"job-3","product":"","audience":""}`

	err := in.processSubmission(context.Background(), body)
	require.Error(t, err)
}
