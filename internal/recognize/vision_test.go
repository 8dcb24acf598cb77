package recognize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func annotateHandler(t *testing.T, respond func(req annotateRequest) (int, string)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/images:annotate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req annotateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		status, body := respond(req)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func TestVisionRecognize(t *testing.T) {
	var gotHints []string
	srv := httptest.NewServer(annotateHandler(t, func(req annotateRequest) (int, string) {
		if len(req.Requests) != 1 {
			t.Fatalf("got %d request entries", len(req.Requests))
		}
		entry := req.Requests[0]
		if entry.Image.Content == "" {
			t.Error("image content missing")
		}
		if entry.ImageContext != nil {
			gotHints = entry.ImageContext.LanguageHints
		}
		return http.StatusOK, `{"responses":[{"textAnnotations":[
			{"locale":"ru","description":"Иван Петров 1891","boundingPoly":{"vertices":[{"x":0,"y":0},{"x":100,"y":0},{"x":100,"y":40},{"x":0,"y":40}]}},
			{"description":"Иван","confidence":0.92,"boundingPoly":{"vertices":[{"x":0,"y":0},{"x":30,"y":12}]}},
			{"description":"Петров","confidence":0.88,"boundingPoly":{"vertices":[{"x":32,"y":0},{"x":70,"y":12}]}}
		]}]}`
	}))
	defer srv.Close()

	c := NewVisionClient(srv.URL, "test-key")
	res, err := c.Recognize(context.Background(), []byte("fake-image"), []string{"ru", "en"})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}

	if res.Text != "Иван Петров 1891" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Language != "ru" {
		t.Errorf("Language = %q, want ru", res.Language)
	}
	if res.Provider != "vision" {
		t.Errorf("Provider = %q", res.Provider)
	}
	if len(res.Tokens) != 3 {
		t.Fatalf("got %d tokens, want 3", len(res.Tokens))
	}
	if !res.Tokens[0].WholeDocument {
		t.Error("first token not marked whole-document")
	}
	if res.Tokens[1].Confidence != 0.92 {
		t.Errorf("token confidence = %v", res.Tokens[1].Confidence)
	}
	if b := res.Tokens[1].Bounds; b.X != 0 || b.Width != 30 || b.Height != 12 {
		t.Errorf("token bounds = %+v", b)
	}
	if len(gotHints) != 2 || gotHints[0] != "ru" || gotHints[1] != "en" {
		t.Errorf("server saw hints %v", gotHints)
	}
}

func TestVisionNoTextDetected(t *testing.T) {
	srv := httptest.NewServer(annotateHandler(t, func(annotateRequest) (int, string) {
		return http.StatusOK, `{"responses":[{"textAnnotations":[]}]}`
	}))
	defer srv.Close()

	c := NewVisionClient(srv.URL, "")
	_, err := c.Recognize(context.Background(), []byte("blank"), nil)
	if !errors.Is(err, ErrNoTextDetected) {
		t.Errorf("err = %v, want ErrNoTextDetected", err)
	}
}

func TestVisionServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(annotateHandler(t, func(annotateRequest) (int, string) {
		return http.StatusServiceUnavailable, `{}`
	}))
	defer srv.Close()

	c := NewVisionClient(srv.URL, "")
	_, err := c.Recognize(context.Background(), []byte("img"), nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestVisionUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // no listener left behind the URL

	c := NewVisionClient(srv.URL, "")
	_, err := c.Recognize(context.Background(), []byte("img"), nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestVisionEmbeddedErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(annotateHandler(t, func(annotateRequest) (int, string) {
		return http.StatusOK, `{"responses":[{"error":{"code":14,"message":"backend overloaded"}}]}`
	}))
	defer srv.Close()

	c := NewVisionClient(srv.URL, "")
	_, err := c.Recognize(context.Background(), []byte("img"), nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestVisionBadRequestIsPlainError(t *testing.T) {
	srv := httptest.NewServer(annotateHandler(t, func(annotateRequest) (int, string) {
		return http.StatusBadRequest, `{}`
	}))
	defer srv.Close()

	c := NewVisionClient(srv.URL, "")
	_, err := c.Recognize(context.Background(), []byte("img"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNoTextDetected) {
		t.Errorf("err = %v, want a plain error", err)
	}
}
