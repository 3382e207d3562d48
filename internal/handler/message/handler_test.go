package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/wagate/backend/internal/model/message"
	"github.com/zhouzirui/wagate/backend/internal/model/session"
	"github.com/zhouzirui/wagate/backend/internal/service/media"
	sessionService "github.com/zhouzirui/wagate/backend/internal/service/session"
	"github.com/zhouzirui/wagate/backend/pkg/utils"
)

type sent struct {
	id      string
	to      string
	content message.Content
}

type fakeSender struct {
	records map[string]session.Record
	sendErr error
	sent    []sent
}

func (f *fakeSender) Get(id string) (session.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return session.Record{}, sessionService.ErrNotFound
	}
	return rec, nil
}

func (f *fakeSender) SendMessage(ctx context.Context, id, to string, content message.Content) (message.SendResult, error) {
	if err := content.Validate(); err != nil {
		return message.SendResult{}, err
	}
	if f.sendErr != nil {
		return message.SendResult{}, f.sendErr
	}
	f.sent = append(f.sent, sent{id: id, to: to, content: content})
	return message.SendResult{ID: "msg-1", To: to + "@s.whatsapp.net", Timestamp: time.Now()}, nil
}

type fakeStager struct {
	staged  []string
	removed []string
	data    []byte
}

func (f *fakeStager) StageReader(r io.Reader, mimeType string) (media.StagedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return media.StagedFile{}, err
	}
	f.data = data
	name := fmt.Sprintf("file-%d.%s", len(f.staged), media.ExtensionFor(mimeType))
	f.staged = append(f.staged, name)
	return media.StagedFile{Name: name, URL: "http://media.test/temp/" + name, MimeType: mimeType}, nil
}

func (f *fakeStager) Remove(name string) {
	f.removed = append(f.removed, name)
}

func setupRouter(maxUpload int64) (*chi.Mux, *fakeSender, *fakeStager) {
	sender := &fakeSender{records: map[string]session.Record{
		"live":    {ID: "live", Status: session.StatusConnected},
		"pending": {ID: "pending", Status: session.StatusQRReady},
	}}
	stager := &fakeStager{}
	r := chi.NewRouter()
	New(sender, stager, maxUpload).RegisterRoutes(r)
	return r, sender, stager
}

func postJSON(t *testing.T, r http.Handler, path, body string) (*httptest.ResponseRecorder, utils.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) utils.Response {
	t.Helper()
	var out utils.Response
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
	return out
}

func TestSendText(t *testing.T) {
	r, sender, _ := setupRouter(0)

	resp, body := postJSON(t, r, "/messages/live/send", `{"to":"123","message":{"text":"hello"}}`)
	if resp.Code != http.StatusOK || !body.Success || body.Message != "Message sent successfully" {
		t.Fatalf("expected success, got %d %+v", resp.Code, body)
	}
	if len(sender.sent) != 1 || sender.sent[0].content.Text != "hello" || sender.sent[0].to != "123" {
		t.Fatalf("unexpected sends: %+v", sender.sent)
	}
}

func TestSendValidation(t *testing.T) {
	r, sender, _ := setupRouter(0)

	cases := []struct {
		path   string
		body   string
		status int
		error  string
	}{
		{"/messages/live/send", `{"message":{"text":"hi"}}`, http.StatusBadRequest, "Recipient phone number is required"},
		{"/messages/live/send", `{"to":"1"}`, http.StatusBadRequest, "Message content is required"},
		{"/messages/live/send", `{"to":"1","message":{"location":{}}}`, http.StatusBadRequest, "Message content is required"},
		{"/messages/missing/send", `{"to":"1","message":{"text":"hi"}}`, http.StatusNotFound, "Session not found"},
		{"/messages/pending/send", `{"to":"1","message":{"text":"hi"}}`, http.StatusBadRequest, "Session is not connected"},
		{"/messages/live/send", `{"to":"1","message":{"image":{"caption":"no source"}}}`, http.StatusBadRequest, "Invalid message content"},
		{"/messages/live/send-text", `{"to":"1"}`, http.StatusBadRequest, "Recipient and text are required"},
	}
	for _, tc := range cases {
		resp, body := postJSON(t, r, tc.path, tc.body)
		if resp.Code != tc.status || body.Error != tc.error {
			t.Fatalf("%s %s: got %d %+v", tc.path, tc.body, resp.Code, body)
		}
	}
	if len(sender.sent) != 0 {
		t.Fatalf("no message should have been sent: %+v", sender.sent)
	}
}

func TestSendFailureIsReported(t *testing.T) {
	r, sender, _ := setupRouter(0)
	sender.sendErr = fmt.Errorf("%w: socket closed", sessionService.ErrSendFailed)

	resp, body := postJSON(t, r, "/messages/live/send-text", `{"to":"1","text":"hi"}`)
	if resp.Code != http.StatusInternalServerError || body.Error != "Failed to send message" || body.Details == "" {
		t.Fatalf("expected 500 with details, got %d %+v", resp.Code, body)
	}
}

func TestSendDelayHonorsCancellation(t *testing.T) {
	r, sender, _ := setupRouter(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/messages/live/send",
		bytes.NewReader([]byte(`{"to":"1","message":{"text":"hi"},"options":{"delay":5000}}`))).WithContext(ctx)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", resp.Code)
	}
	if len(sender.sent) != 0 {
		t.Fatal("cancelled request must not send")
	}
}

func multipartRequest(t *testing.T, path, field, filename, mimeType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if field != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
		h.Set("Content-Type", mimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadImageIsStagedAndSentByURL(t *testing.T) {
	r, sender, stager := setupRouter(0)

	req := multipartRequest(t, "/messages/live/send-image", "image", "cat.png", "image/png", []byte("png-bytes"),
		map[string]string{"to": "123", "caption": "look"})
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	body := decode(t, resp)
	if resp.Code != http.StatusOK || body.Message != "Image sent successfully" {
		t.Fatalf("expected success, got %d %+v", resp.Code, body)
	}
	if string(stager.data) != "png-bytes" {
		t.Fatalf("staged data = %q", stager.data)
	}
	got := sender.sent[0].content
	if got.Kind != message.KindImage || got.Media.URL != "http://media.test/temp/file-0.png" || got.Media.Caption != "look" {
		t.Fatalf("unexpected content: %+v %+v", got, got.Media)
	}
}

func TestUploadDocumentKeepsFileName(t *testing.T) {
	r, sender, _ := setupRouter(0)

	req := multipartRequest(t, "/messages/live/send-document", "document", "report.pdf", "application/pdf", []byte("%PDF"),
		map[string]string{"to": "123"})
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", resp.Code, resp.Body.String())
	}
	got := sender.sent[0].content
	if got.Media.FileName != "report.pdf" || got.Media.MimeType != "application/pdf" {
		t.Fatalf("unexpected document: %+v", got.Media)
	}
}

func TestUploadValidation(t *testing.T) {
	r, _, stager := setupRouter(8)

	cases := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"missing file", multipartRequest(t, "/messages/live/send-audio", "", "", "", nil, map[string]string{"to": "1"}), http.StatusBadRequest},
		{"missing recipient", multipartRequest(t, "/messages/live/send-audio", "audio", "a.ogg", "audio/ogg", []byte("x"), nil), http.StatusBadRequest},
		{"too large", multipartRequest(t, "/messages/live/send-video", "video", "v.mp4", "video/mp4", bytes.Repeat([]byte("v"), 16), map[string]string{"to": "1"}), http.StatusRequestEntityTooLarge},
		{"not connected", multipartRequest(t, "/messages/pending/send-sticker", "sticker", "s.webp", "image/webp", []byte("s"), map[string]string{"to": "1"}), http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, tc.req)
		if resp.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d %s", tc.name, tc.status, resp.Code, resp.Body.String())
		}
	}
	if len(stager.staged) != 0 {
		t.Fatalf("nothing should be staged: %v", stager.staged)
	}
}

func TestUploadSendFailureRemovesStagedFile(t *testing.T) {
	r, sender, stager := setupRouter(0)
	sender.sendErr = sessionService.ErrSendFailed

	req := multipartRequest(t, "/messages/live/send-sticker", "sticker", "s.webp", "image/webp", []byte("s"), map[string]string{"to": "1"})
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if len(stager.removed) != 1 || stager.removed[0] != stager.staged[0] {
		t.Fatalf("staged file should be removed: staged=%v removed=%v", stager.staged, stager.removed)
	}
}
