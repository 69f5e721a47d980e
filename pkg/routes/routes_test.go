package routes

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/sessions"

	"github.com/osmogr/meshtastic-pingbot/pkg/auth"
	"github.com/osmogr/meshtastic-pingbot/pkg/config"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
	"github.com/osmogr/meshtastic-pingbot/pkg/nodedb"
	"github.com/osmogr/meshtastic-pingbot/pkg/notify"
	"github.com/osmogr/meshtastic-pingbot/pkg/store"
	"github.com/osmogr/meshtastic-pingbot/pkg/traceroute"
)

type fakeNodeStore struct {
	nodes    []*models.Node
	total    int
	lastOpts store.ListOptions
	listErr  error
	saves    []*models.Node
}

func (f *fakeNodeStore) GetByID(nodeID string) (*models.Node, error) {
	for _, n := range f.nodes {
		if n.NodeID == nodeID {
			return n, nil
		}
	}
	return nil, nil
}

func (f *fakeNodeStore) GetAll() ([]*models.Node, error) { return f.nodes, nil }

func (f *fakeNodeStore) Save(n *models.Node) error {
	f.saves = append(f.saves, n)
	return nil
}

func (f *fakeNodeStore) DeleteOlderThan(cutoff time.Time) (int64, error) { return 0, nil }

func (f *fakeNodeStore) List(opts store.ListOptions) ([]*models.Node, int, error) {
	f.lastOpts = opts
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	return f.nodes, f.total, nil
}

type fakeRadio struct {
	connected bool
	syncErr   error
	syncCalls int
}

func (f *fakeRadio) Connected() bool { return f.connected }

func (f *fakeRadio) RequestSync() error {
	f.syncCalls++
	return f.syncErr
}

type fakeTraces struct {
	pending int
}

func (f *fakeTraces) Snapshot() traceroute.Stats {
	return traceroute.Stats{Pending: f.pending}
}

func newTestRouter(ns *fakeNodeStore, radio *fakeRadio, traces *fakeTraces, web config.WebSettings) *WebRouter {
	cfg := config.Configuration{ListenAddr: ":0"}
	cfg.Web = web
	if cfg.Web.MaxLogLines == 0 {
		cfg.Web.MaxLogLines = 50
	}
	return &WebRouter{
		config:       cfg,
		storage:      &store.Stores{Nodes: ns},
		nodes:        nodedb.New(ns),
		weblog:       notify.NewWebLog(cfg.Web.MaxLogLines),
		radio:        radio,
		traces:       traces,
		sessionStore: sessions.NewCookieStore([]byte("test-secret")),
	}
}

func sampleNodes() []*models.Node {
	long := "Alpha Node"
	short := "ALFA"
	rssi := int64(-85)
	snr := 7.25
	hops := int64(2)
	heard := time.Date(2026, 8, 21, 14, 3, 22, 0, time.UTC)
	return []*models.Node{
		{
			NodeID:    "!da639bf4",
			NodeNum:   0xda639bf4,
			LongName:  &long,
			ShortName: &short,
			Rssi:      &rssi,
			Snr:       &snr,
			HopsAway:  &hops,
			LastHeard: &heard,
			FirstSeen: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
			LastSeen:  time.Date(2026, 8, 21, 14, 3, 22, 0, time.UTC),
		},
		{
			NodeID:    "!00000002",
			NodeNum:   2,
			FirstSeen: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
			LastSeen:  time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		},
	}
}

func doRequest(wr *WebRouter, method, target, accept string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	if accept != "" {
		r.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	wr.router().ServeHTTP(rec, r)
	return rec
}

func TestHealthJSON(t *testing.T) {
	wr := newTestRouter(&fakeNodeStore{}, &fakeRadio{connected: true}, &fakeTraces{pending: 3}, config.WebSettings{})

	rec := doRequest(wr, "GET", "/health", "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY for JSON health", got)
	}

	var health HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if !health.Connected || health.Queued != 3 {
		t.Errorf("health = %+v, want connected with 3 queued", health)
	}
}

func TestHealthHTML(t *testing.T) {
	wr := newTestRouter(&fakeNodeStore{}, &fakeRadio{}, &fakeTraces{}, config.WebSettings{})

	rec := doRequest(wr, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "DISCONNECTED") {
		t.Errorf("health page does not show DISCONNECTED:\n%s", body)
	}
	if !strings.Contains(body, "Queue Status") {
		t.Errorf("health page missing queue card")
	}
}

func TestNodesJSON(t *testing.T) {
	ns := &fakeNodeStore{nodes: sampleNodes(), total: 2}
	wr := newTestRouter(ns, &fakeRadio{}, &fakeTraces{}, config.WebSettings{})

	rec := doRequest(wr, "GET", "/nodes?sort=hop_count&order=asc&search=alpha", "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	want := store.ListOptions{Search: "alpha", SortBy: "hops_away", Order: "asc", Limit: 50, Offset: 0}
	if ns.lastOpts != want {
		t.Errorf("store options = %+v, want %+v", ns.lastOpts, want)
	}

	var resp NodesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding nodes: %v", err)
	}
	if resp.SortBy != "hop_count" || resp.SortOrder != "asc" || resp.Search != "alpha" {
		t.Errorf("echoed query = %q/%q/%q", resp.SortBy, resp.SortOrder, resp.Search)
	}
	if resp.TotalCount != 2 || resp.TotalPages != 1 || resp.Page != 1 {
		t.Errorf("pagination = %d total, %d pages, page %d", resp.TotalCount, resp.TotalPages, resp.Page)
	}
	if len(resp.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(resp.Nodes))
	}
	first := resp.Nodes[0]
	if first.NodeID != "!da639bf4" {
		t.Errorf("node_id = %q", first.NodeID)
	}
	if first.LongName == nil || *first.LongName != "Alpha Node" {
		t.Errorf("long_name = %v", first.LongName)
	}
	if first.HopCount == nil || *first.HopCount != 2 {
		t.Errorf("hop_count = %v", first.HopCount)
	}
	if first.LastHeard == nil || *first.LastHeard != "2026-08-21 14:03:22" {
		t.Errorf("last_heard = %v", first.LastHeard)
	}
	if first.UpdatedAt != "2026-08-21 14:03:22" {
		t.Errorf("updated_at = %q", first.UpdatedAt)
	}
	second := resp.Nodes[1]
	if second.LongName != nil || second.Rssi != nil || second.LastHeard != nil {
		t.Errorf("bare node should keep null fields: %+v", second)
	}
}

func TestNodesSortWhitelist(t *testing.T) {
	ns := &fakeNodeStore{nodes: nil, total: 0}
	wr := newTestRouter(ns, &fakeRadio{}, &fakeTraces{}, config.WebSettings{})

	rec := doRequest(wr, "GET", "/nodes?sort=node_id;DROP+TABLE+nodes&order=sideways", "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ns.lastOpts.SortBy != "last_seen" || ns.lastOpts.Order != "desc" {
		t.Errorf("store options = %+v, want last_seen desc fallback", ns.lastOpts)
	}

	var resp NodesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding nodes: %v", err)
	}
	if resp.SortBy != "updated_at" || resp.SortOrder != "desc" {
		t.Errorf("echoed sort = %q %q, want updated_at desc", resp.SortBy, resp.SortOrder)
	}
}

func TestNodesPagination(t *testing.T) {
	ns := &fakeNodeStore{nodes: nil, total: 95}
	wr := newTestRouter(ns, &fakeRadio{}, &fakeTraces{}, config.WebSettings{})

	rec := doRequest(wr, "GET", "/nodes?page=3&per_page=10", "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ns.lastOpts.Limit != 10 || ns.lastOpts.Offset != 20 {
		t.Errorf("store options = %+v, want limit 10 offset 20", ns.lastOpts)
	}

	var resp NodesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding nodes: %v", err)
	}
	if resp.Page != 3 || resp.PerPage != 10 || resp.TotalPages != 10 {
		t.Errorf("pagination = page %d per_page %d total_pages %d", resp.Page, resp.PerPage, resp.TotalPages)
	}
}

func TestNodesHTML(t *testing.T) {
	ns := &fakeNodeStore{nodes: sampleNodes(), total: 2}
	wr := newTestRouter(ns, &fakeRadio{}, &fakeTraces{}, config.WebSettings{})

	rec := doRequest(wr, "GET", "/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\n%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"!da639bf4", "Alpha Node", "Total nodes: 2", "<table>"} {
		if !strings.Contains(body, want) {
			t.Errorf("nodes page missing %q", want)
		}
	}
}

func TestNodesExportCSV(t *testing.T) {
	ns := &fakeNodeStore{nodes: sampleNodes(), total: 2}
	wr := newTestRouter(ns, &fakeRadio{}, &fakeTraces{}, config.WebSettings{})

	rec := doRequest(wr, "GET", "/nodes/export?search=alpha", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=meshtastic_nodes.csv" {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if ns.lastOpts.Limit != 0 || ns.lastOpts.Offset != 0 {
		t.Errorf("export should not paginate, got %+v", ns.lastOpts)
	}
	if ns.lastOpts.Search != "alpha" {
		t.Errorf("export dropped the search filter: %+v", ns.lastOpts)
	}

	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d CSV rows, want header + 2", len(records))
	}
	wantHeader := strings.Join(csvHeader, ",")
	if got := strings.Join(records[0], ","); got != wantHeader {
		t.Errorf("header row = %q, want %q", got, wantHeader)
	}
	row := records[1]
	if row[0] != "!da639bf4" || row[1] != "Alpha Node" || row[7] != "7.25" || row[8] != "-85" {
		t.Errorf("data row = %v", row)
	}
	if row[12] != "2026-08-01 10:00:00" {
		t.Errorf("created at = %q", row[12])
	}
	bare := records[2]
	if bare[0] != "!00000002" || bare[1] != "" || bare[7] != "" {
		t.Errorf("bare row should leave unknown cells empty: %v", bare)
	}
}

func TestNodedbRefresh(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		radio := &fakeRadio{connected: false}
		wr := newTestRouter(&fakeNodeStore{}, radio, &fakeTraces{}, config.WebSettings{})

		rec := doRequest(wr, "POST", "/nodedb/refresh", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding error body: %v", err)
		}
		if resp["error"] != "Radio not connected" {
			t.Errorf("error = %q", resp["error"])
		}
		if radio.syncCalls != 0 {
			t.Errorf("sync requested while disconnected")
		}
	})

	t.Run("connected", func(t *testing.T) {
		radio := &fakeRadio{connected: true}
		wr := newTestRouter(&fakeNodeStore{}, radio, &fakeTraces{}, config.WebSettings{})

		rec := doRequest(wr, "POST", "/nodedb/refresh", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if radio.syncCalls != 1 {
			t.Errorf("syncCalls = %d, want 1", radio.syncCalls)
		}
		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if resp["message"] == "" {
			t.Errorf("missing confirmation message: %v", resp)
		}
	})
}

func TestNodedbStats(t *testing.T) {
	ns := &fakeNodeStore{}
	wr := newTestRouter(ns, &fakeRadio{connected: true}, &fakeTraces{}, config.WebSettings{})

	named := "Alpha Node"
	if err := wr.nodes.Upsert(&models.Node{NodeID: "!00000001", NodeNum: 1, LongName: &named}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := wr.nodes.Upsert(&models.Node{NodeID: "!00000002", NodeNum: 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := doRequest(wr, "GET", "/nodedb/stats", "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if resp.TotalNodes != 2 || resp.NamedNodes != 1 || !resp.Connected {
		t.Errorf("stats = %+v", resp)
	}
	if resp.CompletionRate != 50 {
		t.Errorf("completion rate = %v, want 50", resp.CompletionRate)
	}

	rec = doRequest(wr, "GET", "/nodedb/stats", "")
	body := rec.Body.String()
	if !strings.HasPrefix(body, "NodeDB Statistics:\nTotal Nodes: 2\n") {
		t.Errorf("plain text stats = %q", body)
	}
	if !strings.Contains(body, "Connected: true") {
		t.Errorf("plain text stats missing connection state: %q", body)
	}
}

func authSettings(password string) config.WebSettings {
	const salt = "abc123"
	return config.WebSettings{
		PasswordHash:  auth.HashPasswordWithSalt(password, salt),
		Salt:          salt,
		SessionSecret: "secret",
	}
}

func TestAuthGate(t *testing.T) {
	wr := newTestRouter(&fakeNodeStore{}, &fakeRadio{}, &fakeTraces{}, authSettings("hunter2"))

	rec := doRequest(wr, "GET", "/", "")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Errorf("page request: status %d location %q, want redirect to /login", rec.Code, rec.Header().Get("Location"))
	}

	rec = doRequest(wr, "GET", "/health", "application/json")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("JSON request: status = %d, want 401", rec.Code)
	}

	rec = doRequest(wr, "GET", "/api/logs-sse", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("SSE request: status = %d, want 401", rec.Code)
	}

	rec = doRequest(wr, "POST", "/nodedb/refresh", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("refresh request: status = %d, want 401", rec.Code)
	}

	rec = doRequest(wr, "GET", "/metrics", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("metrics request: status = %d, want 401", rec.Code)
	}
}

func TestAuthDisabledAllowsAll(t *testing.T) {
	wr := newTestRouter(&fakeNodeStore{}, &fakeRadio{}, &fakeTraces{}, config.WebSettings{})

	rec := doRequest(wr, "GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func postLogin(wr *WebRouter, password string) *httptest.ResponseRecorder {
	r := httptest.NewRequest("POST", "/login", strings.NewReader("password="+password))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	wr.router().ServeHTTP(rec, r)
	return rec
}

func TestLoginFlow(t *testing.T) {
	wr := newTestRouter(&fakeNodeStore{}, &fakeRadio{}, &fakeTraces{}, authSettings("hunter2"))

	rec := postLogin(wr, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid password") {
		t.Errorf("bad password page missing error message")
	}

	rec = postLogin(wr, "hunter2")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("good password: status %d location %q", rec.Code, rec.Header().Get("Location"))
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no session cookie")
	}

	r := httptest.NewRequest("GET", "/", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	rec2 := httptest.NewRecorder()
	wr.router().ServeHTTP(rec2, r)
	if rec2.Code != http.StatusOK {
		t.Errorf("authenticated page request: status = %d, want 200", rec2.Code)
	}

	r = httptest.NewRequest("GET", "/logout", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	rec3 := httptest.NewRecorder()
	wr.router().ServeHTTP(rec3, r)
	if rec3.Code != http.StatusFound || rec3.Header().Get("Location") != "/login" {
		t.Errorf("logout: status %d location %q", rec3.Code, rec3.Header().Get("Location"))
	}
}

func TestPageWindow(t *testing.T) {
	tests := []struct {
		name       string
		page       int
		totalPages int
		want       []int // 0 marks a gap
	}{
		{"single page", 1, 1, []int{1}},
		{"no gaps", 2, 6, []int{1, 2, 3, 4, 5, 6}},
		{"middle window", 10, 20, []int{1, 2, 3, 0, 8, 9, 10, 11, 12, 0, 18, 19, 20}},
		{"window touches head", 4, 20, []int{1, 2, 3, 4, 5, 6, 0, 18, 19, 20}},
		{"none", 1, 0, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := pageWindow(tt.page, tt.totalPages)
			got := make([]int, len(links))
			for i, l := range links {
				got[i] = l.Number
			}
			if len(got) != len(tt.want) {
				t.Fatalf("pageWindow(%d, %d) = %v, want %v", tt.page, tt.totalPages, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("pageWindow(%d, %d) = %v, want %v", tt.page, tt.totalPages, got, tt.want)
				}
			}
			for _, l := range links {
				if l.Current != (l.Number == tt.page) {
					t.Errorf("link %d current = %t", l.Number, l.Current)
				}
			}
		})
	}
}
