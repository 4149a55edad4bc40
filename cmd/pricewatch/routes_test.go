package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/pricewatch/pricewatch"
)

const page = `<html><body>
<div class="offer"><span class="title">Kettle</span><span class="sku">K-1</span><span class="price">1 299 ₽</span></div>
</body></html>`

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	db, err := pricewatch.OpenDB(filepath.Join(dir, "pricewatch.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &pricewatch.Config{
		Currency:  "RUB",
		ExportDir: filepath.Join(dir, "exports"),
		Profiles: []pricewatch.Profile{{
			Name:     "shop",
			Strategy: "static",
			Rules:    pricewatch.RuleSet{Kind: "css", Item: ".offer", Title: ".title", Price: ".price", SKU: ".sku"},
		}},
		Targets: []pricewatch.Target{{ID: "t1", URL: "https://shop.example/kettles", Profile: "shop"}},
	}
	fetcher := pricewatch.FetcherFunc(func(_ context.Context, req pricewatch.FetchRequest) (*pricewatch.FetchResult, error) {
		return &pricewatch.FetchResult{TargetID: req.TargetID, Strategy: req.Strategy, Status: 200, Body: []byte(page), FetchedAt: time.Now().UTC()}, nil
	})
	svc, err := pricewatch.New(db, cfg, logger, pricewatch.WithFetcher(fetcher))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "pricewatch", Version: "test"}, nil)
	svc.RegisterMCP(mcpSrv)

	ts := httptest.NewServer(routes(svc, mcpSrv, logger))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := testServer(t)
	resp, body := do(t, http.MethodGet, ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestRunsAndHistory(t *testing.T) {
	// WHAT: Trigger a run over HTTP, then read the run and the history back.
	// WHY: The HTTP API is the delivery layer for non-MCP clients.
	ts := testServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/runs", "application/json", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger: %d %s", resp.StatusCode, body)
	}
	var sum pricewatch.RunSummary
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Done != 1 || sum.Inserted != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/runs", "", nil)
	var runs []pricewatch.RunInfo
	if err := json.Unmarshal(body, &runs); err != nil || resp.StatusCode != http.StatusOK || len(runs) != 1 {
		t.Fatalf("list runs: %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/runs/"+sum.RunID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get run: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/runs/run_missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run: %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/history?product_key=k-1&from=2020-01-01", "", nil)
	var hist pricewatch.HistoryResult
	if err := json.Unmarshal(body, &hist); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", resp.StatusCode, body)
	}
	if hist.Count != 1 || hist.Entries[0].Price.StringFixed(2) != "1299.00" {
		t.Errorf("history = %+v", hist)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/history?q=toaster", "", nil)
	if err := json.Unmarshal(body, &hist); err != nil || resp.StatusCode != http.StatusOK || !hist.NoData {
		t.Errorf("no data: %d %s", resp.StatusCode, body)
	}
}

func TestHistoryBadRequests(t *testing.T) {
	ts := testServer(t)
	for _, path := range []string{
		"/api/history",
		"/api/history?q=kettle&from=yesterday",
		"/api/history?q=kettle&from=2026-02-01&to=2026-01-01",
		"/api/history/export?format=pdf",
	} {
		resp, body := do(t, http.MethodGet, ts.URL+path, "", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: %d %s", path, resp.StatusCode, body)
		}
	}
}

func TestExportDownload(t *testing.T) {
	ts := testServer(t)
	do(t, http.MethodPost, ts.URL+"/api/runs", "", nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/history/export?format=csv", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".csv") {
		t.Errorf("content disposition %q", cd)
	}
	if !strings.HasPrefix(string(body), "product_key,") || !strings.Contains(string(body), "K-1") {
		t.Errorf("body:\n%s", body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/history/export", "", nil)
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(body, []byte("PK")) {
		t.Errorf("xlsx export: %d, %d bytes", resp.StatusCode, len(body))
	}
}

func TestImportUpload(t *testing.T) {
	ts := testServer(t)

	f := excelize.NewFile()
	for i, row := range [][]any{{"title", "url", "xpath"}, {"Kettle", "https://kettles.example/k1", "//span"}} {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	xlsx, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreateFormFile("file", "targets.xlsx")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(xlsx.Bytes())
	mw.Close()

	resp, body := do(t, http.MethodPost, ts.URL+"/api/targets/import", mw.FormDataContentType(), &form)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"created":1`) {
		t.Fatalf("import: %d %s", resp.StatusCode, body)
	}
	var imported struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(body, &imported); err != nil || len(imported.IDs) != 1 {
		t.Fatalf("import ids: %s, %v", body, err)
	}
	target := ts.URL + "/api/targets/" + imported.IDs[0]

	resp, body = do(t, http.MethodPost, target+"/disable", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"enabled":false`) {
		t.Fatalf("disable: %d %s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/api/targets", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"count":1`) || !strings.Contains(string(body), `"enabled":false`) {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodDelete, target, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodDelete, target, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, target+"/enable", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("enable deleted target: %d", resp.StatusCode)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/api/targets", "", nil)
	if !strings.Contains(string(body), `"count":0`) {
		t.Errorf("list after delete: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/targets/import", "text/plain", strings.NewReader("not a workbook"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("garbage upload: %d %s", resp.StatusCode, body)
	}
}

func TestMetricsAndMCP(t *testing.T) {
	ts := testServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "pricewatch_escalations_total") {
		t.Errorf("metrics: %d", resp.StatusCode)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "1.0.0"}, nil)
	session, err := client.Connect(context.Background(), &mcp.StreamableClientTransport{Endpoint: ts.URL + "/mcp"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()
	tools, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools.Tools) != 7 {
		t.Errorf("tools = %d", len(tools.Tools))
	}
}

func TestErrStatus(t *testing.T) {
	for err, want := range map[error]int{
		pricewatch.ErrInvalidInput:                      http.StatusBadRequest,
		fmt.Errorf("x: %w", pricewatch.ErrRunInProgress): http.StatusConflict,
		pricewatch.ErrNoTargets:                         http.StatusNotFound,
		pricewatch.ErrNotFound:                          http.StatusNotFound,
		pricewatch.ErrStoreUnavailable:                  http.StatusServiceUnavailable,
		context.Canceled:                                http.StatusGatewayTimeout,
		io.ErrUnexpectedEOF:                             http.StatusInternalServerError,
	} {
		if got := errStatus(err); got != want {
			t.Errorf("errStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
