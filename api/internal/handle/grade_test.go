package handle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"grade-bot/api/internal/grade"
	"grade-bot/api/internal/grader"
	"grade-bot/api/internal/store"
	"grade-bot/api/internal/util"
)

type fakeRunner struct {
	res      grade.Result
	calls    int
	got      grader.Request
	deadline time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, req grader.Request) grade.Result {
	f.calls++
	f.got = req
	if dl, ok := ctx.Deadline(); ok {
		f.deadline = time.Until(dl)
	}
	return f.res
}

type fakeCache struct {
	row         *store.ResultRow
	findErr     error
	finds       int
	upserts     int
	lastHash    string
	lastSubject string
}

func (f *fakeCache) FindByHash(_ context.Context, imageHash, subject, _, _ string, _ time.Duration) (*store.ResultRow, error) {
	f.finds++
	f.lastHash = imageHash
	f.lastSubject = subject
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.row, nil
}

func (f *fakeCache) Upsert(_ context.Context, _ int64, _, imageHash, subject, _, _ string, _ grade.Result) error {
	f.upserts++
	f.lastHash = imageHash
	f.lastSubject = subject
	return nil
}

func doneResult(summary string) grade.Result {
	return grade.Result{
		Status:  grade.StatusDone,
		Summary: summary,
		Results: []grade.GradedItem{{
			Question: "2+2",
			Verdict:  grade.VerdictCorrect,
			Basis:    []string{"по распознанному тексту"},
		}},
		Iterations: 1,
	}
}

func postGrade(t *testing.T, h *Handle, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/grade", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Grade(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) grade.Result {
	t.Helper()
	var res grade.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res
}

func TestGradeMethodNotAllowed(t *testing.T) {
	h := New(Deps{Runner: &fakeRunner{}})
	req := httptest.NewRequest(http.MethodGet, "/v1/grade", nil)
	rec := httptest.NewRecorder()
	h.Grade(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d, want 405", rec.Code)
	}
}

func TestGradeBadJSON(t *testing.T) {
	h := New(Deps{Runner: &fakeRunner{}})
	if rec := postGrade(t, h, "{broken"); rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestGradeNoImages(t *testing.T) {
	h := New(Deps{Runner: &fakeRunner{}})
	if rec := postGrade(t, h, `{"subject":"math"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestGradeBadBase64(t *testing.T) {
	h := New(Deps{Runner: &fakeRunner{}})
	if rec := postGrade(t, h, `{"images":["!!!not-base64!!!"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestGradeRunsAndCachesDone(t *testing.T) {
	img := []byte("fake-jpeg-bytes")
	runner := &fakeRunner{res: doneResult("всё верно")}
	cache := &fakeCache{findErr: store.ErrNotFound}
	h := New(Deps{Runner: runner, Results: cache, Engine: "gemini", Model: "g-test"})

	body := `{"subject":"физика","images":["` + base64.StdEncoding.EncodeToString(img) + `"]}`
	rec := postGrade(t, h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	res := decodeResult(t, rec)
	if res.Status != grade.StatusDone || res.Summary != "всё верно" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls)
	}
	if runner.got.Subject != "физика" {
		t.Fatalf("subject = %q", runner.got.Subject)
	}
	if runner.got.SessionID == "" {
		t.Fatal("session id not generated")
	}
	if len(runner.got.Images) != 1 || string(runner.got.Images[0]) != string(img) {
		t.Fatalf("images not passed through: %d", len(runner.got.Images))
	}
	if cache.upserts != 1 {
		t.Fatalf("upserts = %d, want 1", cache.upserts)
	}
	if cache.lastHash != util.SHA256Hex(img) {
		t.Fatalf("cache hash = %q", cache.lastHash)
	}
	if cache.lastSubject != "физика" {
		t.Fatalf("cache subject = %q", cache.lastSubject)
	}
}

func TestGradeCacheHitSkipsRun(t *testing.T) {
	runner := &fakeRunner{res: doneResult("свежий прогон")}
	cache := &fakeCache{row: &store.ResultRow{Result: doneResult("из кэша")}}
	h := New(Deps{Runner: runner, Results: cache})

	body := `{"images":["` + base64.StdEncoding.EncodeToString([]byte("page")) + `"]}`
	rec := postGrade(t, h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if res := decodeResult(t, rec); res.Summary != "из кэша" {
		t.Fatalf("summary = %q, want cached", res.Summary)
	}
	if runner.calls != 0 {
		t.Fatalf("runner calls = %d, want 0", runner.calls)
	}
	if cache.upserts != 0 {
		t.Fatalf("upserts = %d, want 0", cache.upserts)
	}
}

func TestGradeForceBypassesCache(t *testing.T) {
	runner := &fakeRunner{res: doneResult("свежий прогон")}
	cache := &fakeCache{row: &store.ResultRow{Result: doneResult("из кэша")}}
	h := New(Deps{Runner: runner, Results: cache})

	body := `{"force":true,"images":["` + base64.StdEncoding.EncodeToString([]byte("page")) + `"]}`
	rec := postGrade(t, h, body)
	if res := decodeResult(t, rec); res.Summary != "свежий прогон" {
		t.Fatalf("summary = %q, want fresh", res.Summary)
	}
	if cache.finds != 0 {
		t.Fatalf("cache lookups = %d, want 0", cache.finds)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls)
	}
}

func TestGradeFailedRunNotCached(t *testing.T) {
	runner := &fakeRunner{res: grade.Result{Status: grade.StatusFailed, Reason: grade.ReasonLLMFailed, Results: []grade.GradedItem{}}}
	cache := &fakeCache{findErr: store.ErrNotFound}
	h := New(Deps{Runner: runner, Results: cache})

	body := `{"images":["` + base64.StdEncoding.EncodeToString([]byte("page")) + `"]}`
	rec := postGrade(t, h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 even on failed run", rec.Code)
	}
	if res := decodeResult(t, rec); res.Status != grade.StatusFailed {
		t.Fatalf("status = %q", res.Status)
	}
	if cache.upserts != 0 {
		t.Fatalf("failed run must not be cached, upserts = %d", cache.upserts)
	}
}

func TestGradeRejectedRunNotCached(t *testing.T) {
	runner := &fakeRunner{res: grade.Result{Status: grade.StatusRejected, Reason: "на фото нет домашней работы", Results: []grade.GradedItem{}}}
	cache := &fakeCache{findErr: store.ErrNotFound}
	h := New(Deps{Runner: runner, Results: cache})

	body := `{"images":["` + base64.StdEncoding.EncodeToString([]byte("селфи")) + `"]}`
	postGrade(t, h, body)
	if cache.upserts != 0 {
		t.Fatalf("rejected run must not be cached, upserts = %d", cache.upserts)
	}
}

func TestGradeDownloadsImageURLs(t *testing.T) {
	img := []byte("remote-image-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	runner := &fakeRunner{res: doneResult("ок")}
	h := New(Deps{Runner: runner})

	rec := postGrade(t, h, `{"image_urls":["`+srv.URL+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	if len(runner.got.Images) != 1 || string(runner.got.Images[0]) != string(img) {
		t.Fatal("downloaded image not passed to runner")
	}
}

func TestGradeBadImageURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	h := New(Deps{Runner: &fakeRunner{}})
	rec := postGrade(t, h, `{"image_urls":["`+srv.URL+`"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestGradeTimeoutHeader(t *testing.T) {
	runner := &fakeRunner{res: doneResult("ок")}
	h := New(Deps{Runner: runner})

	body := `{"images":["` + base64.StdEncoding.EncodeToString([]byte("page")) + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/grade", strings.NewReader(body))
	req.Header.Set("X-Request-Timeout", "7")
	rec := httptest.NewRecorder()
	h.Grade(rec, req)

	if runner.deadline <= 0 || runner.deadline > 7*time.Second {
		t.Fatalf("deadline = %v, want (0s; 7s]", runner.deadline)
	}
}

func TestGradeTooManyImages(t *testing.T) {
	h := New(Deps{Runner: &fakeRunner{}})
	one := `"` + base64.StdEncoding.EncodeToString([]byte("p")) + `"`
	imgs := one
	for i := 0; i < maxImagesPerRequest; i++ {
		imgs += "," + one
	}
	if rec := postGrade(t, h, `{"images":[`+imgs+`]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestHealthzWithoutDB(t *testing.T) {
	h := New(Deps{Runner: &fakeRunner{}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
