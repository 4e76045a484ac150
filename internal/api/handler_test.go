package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sithey/sharpmailer/internal/api"
	"github.com/Sithey/sharpmailer/internal/dispatch"
	"github.com/Sithey/sharpmailer/internal/lock"
	"github.com/Sithey/sharpmailer/internal/mail"
	"github.com/Sithey/sharpmailer/internal/models"
	"github.com/Sithey/sharpmailer/internal/progress"
	"github.com/Sithey/sharpmailer/internal/secret"
	"github.com/Sithey/sharpmailer/internal/store"
)

const testKey = "3031323334353637383930313233343536373839303132333435363738393031"

type fakeSession struct {
	sent []mail.Message
	errs map[string]error
}

func (f *fakeSession) Send(m mail.Message) (string, error) {
	if err, ok := f.errs[m.To]; ok && err != nil {
		return "", err
	}
	f.sent = append(f.sent, m)
	return "<test-message@fake>", nil
}

func (f *fakeSession) Close() error { return nil }

type fixture struct {
	handler *api.Handler
	store   *store.Memory
	session *fakeSession
	smtp    models.SMTPConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemory()
	codec, err := secret.New(testKey)
	require.NoError(t, err)
	sealed, err := codec.Seal("app-password")
	require.NoError(t, err)

	session := &fakeSession{errs: map[string]error{}}
	logger := zap.NewNop()
	tracker := &progress.Tracker{Store: st, Log: logger}
	engine := &dispatch.Engine{
		Store:        st,
		Codec:        codec,
		Locker:       &lock.Locker{Store: st, Log: logger},
		Tracker:      tracker,
		Log:          logger,
		SendInterval: time.Millisecond,
		Connect: func(mail.Config) (mail.Session, error) {
			return session, nil
		},
	}

	return &fixture{
		handler: &api.Handler{Engine: engine, Tracker: tracker, Store: st, Log: logger},
		store:   st,
		session: session,
		smtp: models.SMTPConfig{
			Host: "smtp.example.com", Port: 465,
			Username: "mailer@example.com", Password: sealed, Secure: true,
		},
	}
}

func (f *fixture) seed(emails ...string) {
	f.store.PutCampaign(models.Campaign{ID: "c1", Name: "launch"})
	leads := make([]models.Lead, 0, len(emails))
	for _, e := range emails {
		leads = append(leads, models.Lead{ID: e, Email: e})
	}
	f.store.PutLeads("c1", leads)
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func TestSendCampaign(t *testing.T) {
	f := newFixture(t)
	f.seed("a@x.com", "b@x.com")

	rec := f.postJSON(t, "/campaigns/c1/send", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi", HTML: "<p>x</p>"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool `json:"success"`
		Total   int  `json:"total"`
		Sent    int  `json:"sent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 2, body.Sent)
	assert.Len(t, f.session.sent, 2)
}

func TestSendCampaignBusyMapsToConflict(t *testing.T) {
	f := newFixture(t)
	f.seed("a@x.com")
	ok, err := f.store.TryLock(context.Background(), "c1", time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	rec := f.postJSON(t, "/campaigns/c1/send", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendCampaignNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.postJSON(t, "/campaigns/nope/send", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryWithNothingFailed(t *testing.T) {
	f := newFixture(t)
	f.seed("a@x.com")
	require.NoError(t, f.store.AppendSendLog(context.Background(),
		&models.SendLog{CampaignID: "c1", LeadEmail: "a@x.com", Success: true}))

	rec := f.postJSON(t, "/campaigns/c1/retry", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryFailedSubset(t *testing.T) {
	f := newFixture(t)
	f.seed("a@x.com", "b@x.com")
	require.NoError(t, f.store.AppendSendLog(context.Background(),
		&models.SendLog{CampaignID: "c1", LeadEmail: "a@x.com", Success: true}))
	require.NoError(t, f.store.AppendSendLog(context.Background(),
		&models.SendLog{CampaignID: "c1", LeadEmail: "b@x.com", Success: false}))

	rec := f.postJSON(t, "/campaigns/c1/retry", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.session.sent, 1)
	assert.Equal(t, "b@x.com", f.session.sent[0].To)
}

func TestRetryFailedOnlyQueryParam(t *testing.T) {
	f := newFixture(t)
	f.seed("a@x.com", "b@x.com")
	require.NoError(t, f.store.AppendSendLog(context.Background(),
		&models.SendLog{CampaignID: "c1", LeadEmail: "a@x.com", Success: true}))
	require.NoError(t, f.store.AppendSendLog(context.Background(),
		&models.SendLog{CampaignID: "c1", LeadEmail: "b@x.com", Success: false}))

	// failedOnly=false re-sends every lead, not just the failed subset.
	rec := f.postJSON(t, "/campaigns/c1/retry?failedOnly=false", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.session.sent, 2)

	rec = f.postJSON(t, "/campaigns/c1/retry?failedOnly=bogus", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDirectSendJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.postJSON(t, "/mail/send", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi", HTML: "x"},
		"leads": []models.Lead{
			{Email: "a@x.com"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.session.sent, 1)
}

func TestDirectSendMultipartCSV(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	smtpJSON, err := json.Marshal(f.smtp)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("smtp", string(smtpJSON)))
	require.NoError(t, mw.WriteField("template", `{"subject":"Hi {Name}","html":"x"}`))
	fw, err := mw.CreateFormFile("leads", "leads.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Email,Name\nada@x.com,Ada\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/mail/send", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.session.sent, 1)
	assert.Equal(t, "Hi Ada", f.session.sent[0].Subject)
}

func TestDirectSendRequiresLeads(t *testing.T) {
	f := newFixture(t)

	rec := f.postJSON(t, "/mail/send", map[string]any{
		"smtp":     f.smtp,
		"template": models.Template{Subject: "Hi"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed("a@x.com")
	require.NoError(t, f.store.UpdateProgress(context.Background(), "c1",
		models.Progress{Current: 1, Total: 3, Success: 1, InProgress: true}))

	req := httptest.NewRequest(http.MethodGet, "/campaigns/c1/progress", nil)
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success  bool            `json:"success"`
		Progress models.Progress `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Progress.Current)
	assert.Equal(t, 3, body.Progress.Total)
}

func TestProgressStreamEndsOnCompletion(t *testing.T) {
	f := newFixture(t)
	f.seed("a@x.com")
	require.NoError(t, f.store.UpdateProgress(context.Background(), "c1",
		models.Progress{Current: 1, Total: 2, Success: 1, InProgress: true}))

	srv := httptest.NewServer(f.handler.Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/campaigns/c1/progress", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, err := readEvent(reader)
	require.NoError(t, err)
	assert.Equal(t, "progress", event)

	// Finish the run; the stream must emit a terminal event and close.
	require.NoError(t, f.store.UpdateProgress(context.Background(), "c1",
		models.Progress{Current: 2, Total: 2, Success: 2, InProgress: false}))

	for {
		event, err = readEvent(reader)
		require.NoError(t, err)
		if event == "complete" {
			break
		}
	}

	// Stream closes after the terminal event.
	for err == nil {
		_, err = reader.ReadString('\n')
	}
	assert.ErrorIs(t, err, io.EOF)
}

func readEvent(r *bufio.Reader) (string, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, "event: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "event: ")), nil
		}
	}
}

func TestClearLogs(t *testing.T) {
	f := newFixture(t)
	f.seed("a@x.com")
	require.NoError(t, f.store.AppendSendLog(context.Background(),
		&models.SendLog{CampaignID: "c1", LeadEmail: "a@x.com", Success: false}))

	req := httptest.NewRequest(http.MethodDelete, "/campaigns/c1/logs", nil)
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	logs, err := f.store.ListSendLogs(context.Background(), "c1", false)
	require.NoError(t, err)
	assert.Empty(t, logs)

	c, err := f.store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Logs cleared", c.Description)
}
