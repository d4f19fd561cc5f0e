package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/comfy"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/config"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/gallery"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/notify"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/preset"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/workflow"
)

// stubComfy fakes the renderer's HTTP surface for handler tests.
func stubComfy(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/object_info/CheckpointLoaderSimple", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"CheckpointLoaderSimple":{"input":{"required":{"ckpt_name":[["sdxl_base.safetensors","dream.safetensors"]]}}}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testWildcards(t *testing.T) *workflow.Wildcards {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "colors.txt"), []byte("red\nblue\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w := workflow.NewWildcards()
	if err := w.Load(dir); err != nil {
		t.Fatal(err)
	}
	return w
}

func newTestRouter(t *testing.T) (*Handlers, http.Handler) {
	t.Helper()
	srv := stubComfy(t)

	hub := NewHub()
	// The manager's dial always fails, so submitted jobs land in a
	// terminal state without a live renderer.
	mgr := generation.NewManager(generation.ManagerOptions{
		Dial: func(clientID string, handler comfy.EventHandler) (generation.Subscription, error) {
			return nil, errors.New("renderer offline")
		},
	})
	wc := testWildcards(t)
	h := NewHandlers(Deps{
		Config:    &config.Config{},
		Comfy:     comfy.NewClient(srv.URL, 5*time.Second),
		Builder:   workflow.NewBuilder(wc),
		Manager:   mgr,
		Presets:   preset.NewStore(nil),
		Gallery:   gallery.NewStore(nil),
		Center:    notify.NewCenter(hub),
		Hub:       hub,
		Settings:  NewSettingsService(generation.DefaultSettings(), nil),
		Wildcards: wc,
	})
	return h, NewRouter(h)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
	}
}

func presetBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"description": "test preset",
		"settings":    map[string]interface{}{"checkpoint": "sdxl_base.safetensors", "steps": 20},
	}
}

func TestPresetEndpoints(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/presets/", presetBody("Portrait"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Preset preset.Preset `json:"preset"`
	}
	decode(t, rec, &created)
	if created.Preset.ID == "" {
		t.Fatal("no id in create response")
	}

	// Exact-name collision is a conflict.
	rec = doJSON(t, router, http.MethodPost, "/api/presets/", presetBody("Portrait"))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create: %d", rec.Code)
	}

	// Invalid names are rejected up front.
	rec = doJSON(t, router, http.MethodPost, "/api/presets/", presetBody("ab"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short name: %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/presets/", nil)
	var list struct {
		Presets []preset.Preset `json:"presets"`
	}
	decode(t, rec, &list)
	if len(list.Presets) != 1 {
		t.Errorf("list: %d presets", len(list.Presets))
	}

	rec = doJSON(t, router, http.MethodPost, "/api/presets/"+created.Preset.ID+"/duplicate", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("duplicate: %d", rec.Code)
	}
	var dup struct {
		Preset preset.Preset `json:"preset"`
	}
	decode(t, rec, &dup)
	if dup.Preset.Name != "Portrait (Copy)" {
		t.Errorf("duplicate named %q", dup.Preset.Name)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/presets/"+dup.Preset.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/presets/"+dup.Preset.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted: %d", rec.Code)
	}
}

func TestApplyPresetLoadsDefaults(t *testing.T) {
	h, router := newTestRouter(t)

	body := presetBody("Portrait")
	body["settings"] = map[string]interface{}{"checkpoint": "dream.safetensors", "steps": 42}
	rec := doJSON(t, router, http.MethodPost, "/api/presets/", body)
	var created struct {
		Preset preset.Preset `json:"preset"`
	}
	decode(t, rec, &created)

	rec = doJSON(t, router, http.MethodPost, "/api/presets/"+created.Preset.ID+"/apply", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply: %d", rec.Code)
	}

	current := h.settings.Current()
	if current.Checkpoint != "dream.safetensors" || current.Steps != 42 {
		t.Errorf("defaults after apply: %s/%d", current.Checkpoint, current.Steps)
	}

	got, _ := h.presets.Get(created.Preset.ID)
	if got.UsageCount != 1 {
		t.Errorf("usage count = %d", got.UsageCount)
	}
}

func TestDefaultSettingsMerge(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPut, "/api/settings/defaults",
		map[string]interface{}{"steps": 35, "cfg": 5.5})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/settings/defaults", nil)
	var resp struct {
		Settings generation.Settings `json:"settings"`
	}
	decode(t, rec, &resp)
	if resp.Settings.Steps != 35 || resp.Settings.CFG != 5.5 {
		t.Errorf("patched: %d/%v", resp.Settings.Steps, resp.Settings.CFG)
	}
	if resp.Settings.Sampler != "euler_ancestral" {
		t.Errorf("untouched field lost: %q", resp.Settings.Sampler)
	}
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/generation/generate", map[string]interface{}{
		"prompt":   "",
		"settings": map[string]interface{}{"checkpoint": "", "steps": 20, "cfg": 7, "width": 512, "height": 512, "batchSize": 1},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
	var resp struct {
		Errors []string `json:"errors"`
	}
	decode(t, rec, &resp)
	if len(resp.Errors) < 2 {
		t.Errorf("expected checkpoint and prompt violations, got %v", resp.Errors)
	}
}

func TestCheckpointListProxy(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/comfyui/checkpoints", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Checkpoints []string `json:"checkpoints"`
	}
	decode(t, rec, &resp)
	if len(resp.Checkpoints) != 2 || resp.Checkpoints[0] != "sdxl_base.safetensors" {
		t.Errorf("checkpoints: %v", resp.Checkpoints)
	}
}

func TestGalleryEndpoints(t *testing.T) {
	h, router := newTestRouter(t)

	item := h.gallery.Add(gallery.Item{
		URL:      "/api/generation/image/a.png",
		Artifact: comfy.Artifact{Filename: "a.png", Type: "output"},
	})

	rec := doJSON(t, router, http.MethodGet, "/api/gallery/", nil)
	var list struct {
		Items []gallery.Item `json:"items"`
	}
	decode(t, rec, &list)
	if len(list.Items) != 1 {
		t.Fatalf("list: %d items", len(list.Items))
	}

	rec = doJSON(t, router, http.MethodPost, "/api/gallery/"+item.ID+"/favorite", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("favorite: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/gallery/?favorites=true", nil)
	decode(t, rec, &list)
	if len(list.Items) != 1 {
		t.Errorf("favorites view: %d items", len(list.Items))
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/gallery/"+item.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("remove: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/gallery/", nil)
	decode(t, rec, &list)
	if len(list.Items) != 0 {
		t.Errorf("after remove: %d items", len(list.Items))
	}
}

func TestNotificationEndpoints(t *testing.T) {
	_, router := newTestRouter(t)

	sticky := 0
	rec := doJSON(t, router, http.MethodPost, "/api/notifications/", map[string]interface{}{
		"message":  "renderer offline",
		"severity": "warning",
		"duration": sticky,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("push: %d %s", rec.Code, rec.Body.String())
	}
	var pushed struct {
		Notification notify.Toast `json:"notification"`
	}
	decode(t, rec, &pushed)

	rec = doJSON(t, router, http.MethodGet, "/api/notifications/", nil)
	var list struct {
		Notifications []notify.Toast `json:"notifications"`
	}
	decode(t, rec, &list)
	if len(list.Notifications) != 1 {
		t.Fatalf("active: %d", len(list.Notifications))
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/notifications/"+pushed.Notification.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("dismiss: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/notifications/", nil)
	decode(t, rec, &list)
	if len(list.Notifications) != 0 {
		t.Errorf("after dismiss: %d", len(list.Notifications))
	}

	rec = doJSON(t, router, http.MethodPost, "/api/notifications/", map[string]interface{}{
		"message":  "x",
		"severity": "catastrophic",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad severity: %d", rec.Code)
	}
}

func TestForgetJobEndpoint(t *testing.T) {
	_, router := newTestRouter(t)

	body := map[string]interface{}{
		"prompt": "a cat",
		"settings": map[string]interface{}{
			"checkpoint": "sdxl_base.safetensors",
			"steps":      20, "cfg": 7, "width": 512, "height": 512, "batchSize": 1,
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/generation/generate", body)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("generate with dead renderer: %d %s", rec.Code, rec.Body.String())
	}
	var failed struct {
		Job generation.Snapshot `json:"job"`
	}
	decode(t, rec, &failed)
	if failed.Job.Token == "" || failed.Job.State != generation.StateFailed {
		t.Fatalf("job after dial failure: %+v", failed.Job)
	}

	// The terminal job is tracked until the browser forgets it.
	rec = doJSON(t, router, http.MethodGet, "/api/generation/jobs", nil)
	var list struct {
		Jobs []generation.Snapshot `json:"jobs"`
	}
	decode(t, rec, &list)
	if len(list.Jobs) != 1 {
		t.Fatalf("tracked jobs: %d", len(list.Jobs))
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/generation/jobs/"+failed.Job.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forget: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodGet, "/api/generation/jobs", nil)
	decode(t, rec, &list)
	if len(list.Jobs) != 0 {
		t.Errorf("jobs after forget: %d", len(list.Jobs))
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/generation/jobs/"+failed.Job.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("forget unknown token: %d", rec.Code)
	}
}

func TestPresetModelFilter(t *testing.T) {
	_, router := newTestRouter(t)

	base := presetBody("Base Model")
	doJSON(t, router, http.MethodPost, "/api/presets/", base)
	other := presetBody("Dream Model")
	other["settings"] = map[string]interface{}{"checkpoint": "dream.safetensors"}
	doJSON(t, router, http.MethodPost, "/api/presets/", other)

	rec := doJSON(t, router, http.MethodGet, "/api/presets/?model=dream.safetensors", nil)
	var list struct {
		Presets []preset.Preset `json:"presets"`
	}
	decode(t, rec, &list)
	if len(list.Presets) != 1 || list.Presets[0].Name != "Dream Model" {
		t.Errorf("model filter: %+v", list.Presets)
	}
}

func TestWildcardEndpoints(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/generation/wildcards", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var names struct {
		Wildcards []string `json:"wildcards"`
	}
	decode(t, rec, &names)
	if len(names.Wildcards) != 1 || names.Wildcards[0] != "colors" {
		t.Errorf("names: %v", names.Wildcards)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/generation/wildcards/colors", nil)
	var values struct {
		Values []string `json:"values"`
	}
	decode(t, rec, &values)
	if len(values.Values) != 2 {
		t.Errorf("values: %v", values.Values)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/generation/wildcards/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown wildcard: %d", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var resp map[string]interface{}
	decode(t, rec, &resp)
	if resp["comfyui"] != "ok" {
		t.Errorf("comfyui health: %v", resp["comfyui"])
	}
}
