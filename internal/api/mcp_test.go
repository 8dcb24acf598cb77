package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/parishworks/vestry/internal/session"
	"github.com/parishworks/vestry/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := session.NewManager(store, 10*time.Minute, "http://upload.test")
	return MCPDeps{
		Store:         store,
		Sessions:      sessions,
		DefaultTenant: 1,
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func seedJob(t *testing.T, store *storage.Store, status storage.JobStatus) storage.Job {
	t.Helper()
	j := storage.Job{
		ID:               "job-" + string(status),
		TenantID:         1,
		OriginalFilename: "register.jpg",
		MimeType:         "image/jpeg",
		RecordType:       storage.RecordBaptism,
		Status:           storage.JobPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.CreateJob(j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	switch status {
	case storage.JobComplete:
		if err := store.BeginJob(j.ID, time.Now().UTC()); err != nil {
			t.Fatalf("BeginJob: %v", err)
		}
		if err := store.CompleteJob(j.ID, "recognized text", "", 0.9, "", "{}", time.Now().UTC()); err != nil {
			t.Fatalf("CompleteJob: %v", err)
		}
	case storage.JobError:
		if err := store.FailJob(j.ID, "no text detected in document", time.Now().UTC()); err != nil {
			t.Fatalf("FailJob: %v", err)
		}
	}
	return j
}

func TestMCPListJobs(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedJob(t, store, storage.JobComplete)
	seedJob(t, store, storage.JobError)

	result, err := mcpListJobs(deps)(context.Background(), makeCallToolRequest("list_jobs", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp struct {
		Jobs  []map[string]any `json:"jobs"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 2 || len(resp.Jobs) != 2 {
		t.Errorf("total = %d, jobs = %d", resp.Total, len(resp.Jobs))
	}

	result, _ = mcpListJobs(deps)(context.Background(),
		makeCallToolRequest("list_jobs", map[string]interface{}{"status": "error"}))
	resp.Jobs = nil
	json.Unmarshal([]byte(toolText(t, result)), &resp)
	if len(resp.Jobs) != 1 {
		t.Errorf("error filter returned %d jobs", len(resp.Jobs))
	}
}

func TestMCPGetJob(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	j := seedJob(t, store, storage.JobComplete)

	result, err := mcpGetJob(deps)(context.Background(),
		makeCallToolRequest("get_job", map[string]interface{}{"id": j.ID}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var detail map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &detail); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if detail["recognized_text"] != "recognized text" {
		t.Errorf("detail = %v", detail)
	}

	result, _ = mcpGetJob(deps)(context.Background(),
		makeCallToolRequest("get_job", map[string]interface{}{}))
	if !result.IsError {
		t.Error("missing id did not error")
	}
}

func TestMCPQueueHealth(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedJob(t, store, storage.JobComplete)

	result, err := mcpQueueHealth(deps)(context.Background(),
		makeCallToolRequest("queue_health", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var health storage.QueueHealth
	if err := json.Unmarshal([]byte(toolText(t, result)), &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if health.CountsByStatus[storage.JobComplete] != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestMCPSessionStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handoff, err := deps.Sessions.Create(1, storage.RecordBaptism)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := mcpSessionStatus(deps)(context.Background(),
		makeCallToolRequest("session_status", map[string]interface{}{"id": handoff.SessionID}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status["verified"] != false || status["expired"] != false {
		t.Errorf("status = %v", status)
	}
}

func TestMCPResourceQueue(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	contents, err := mcpResourceQueue(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "vestry://queue"},
	})
	if err != nil {
		t.Fatalf("resource error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var health storage.QueueHealth
	if err := json.Unmarshal([]byte(tc.Text), &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
