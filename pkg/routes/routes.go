package routes

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osmogr/meshtastic-pingbot/internal/web"
	"github.com/osmogr/meshtastic-pingbot/pkg/auth"
	"github.com/osmogr/meshtastic-pingbot/pkg/config"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
	"github.com/osmogr/meshtastic-pingbot/pkg/nodedb"
	"github.com/osmogr/meshtastic-pingbot/pkg/notify"
	"github.com/osmogr/meshtastic-pingbot/pkg/store"
	"github.com/osmogr/meshtastic-pingbot/pkg/traceroute"
)

const (
	sessionName = "pingbot_session"

	timestampLayout = "2006-01-02 15:04:05"

	defaultPerPage = 50
	maxPerPage     = 500
)

// RadioStatus is the dashboard's read-only view of the radio link.
type RadioStatus interface {
	Connected() bool
	RequestSync() error
}

// TraceStats exposes the traceroute queue state for the health endpoint.
type TraceStats interface {
	Snapshot() traceroute.Stats
}

type WebRouter struct {
	config       config.Configuration
	storage      *store.Stores
	nodes        *nodedb.DB
	weblog       *notify.WebLog
	radio        RadioStatus
	traces       TraceStats
	sessionStore *sessions.CookieStore
}

func (wr *WebRouter) getSession(r *http.Request) (*sessions.Session, error) {
	return wr.sessionStore.Get(r, sessionName)
}

// Initialize wires the router's collaborators and blocks serving HTTP on
// the configured listen address.
func (wr *WebRouter) Initialize(cfg config.Configuration, storage *store.Stores, nodes *nodedb.DB, weblog *notify.WebLog, radio RadioStatus, traces TraceStats) error {
	wr.config = cfg
	wr.storage = storage
	wr.nodes = nodes
	wr.weblog = weblog
	wr.radio = radio
	wr.traces = traces

	secret := cfg.Web.SessionSecret
	if secret == "" {
		// sessions won't survive a restart, acceptable for a single-node bot
		secret, _ = auth.RandomHex(32)
	}
	wr.sessionStore = sessions.NewCookieStore([]byte(secret))

	return wr.handleRequests(cfg.ListenAddr)
}

func (wr *WebRouter) handleRequests(listenAddr string) error {
	myRouter := wr.router()
	h := handlers.RecoveryHandler()

	return http.ListenAndServe(listenAddr, h(myRouter))
}

func (wr *WebRouter) router() *mux.Router {
	// creates a new instance of a mux router
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/", wr.homePage).Methods("GET")
	myRouter.HandleFunc("/login", wr.loginPage).Methods("GET")
	myRouter.HandleFunc("/login", wr.loginSubmit).Methods("POST")
	myRouter.HandleFunc("/logout", wr.logoutHandler)
	myRouter.HandleFunc("/nodes", wr.nodesPage).Methods("GET")
	myRouter.HandleFunc("/nodes/export", wr.nodesExport).Methods("GET")
	myRouter.HandleFunc("/health", wr.healthPage).Methods("GET")
	myRouter.HandleFunc("/nodedb/stats", wr.nodedbStats).Methods("GET")
	myRouter.HandleFunc("/nodedb/refresh", wr.nodedbRefresh).Methods("POST")
	myRouter.HandleFunc("/api/logs-sse", wr.logsSSE).Methods("GET")
	myRouter.Handle("/metrics", wr.protect(promhttp.Handler())).Methods("GET")
	staticFS, _ := fs.Sub(web.ContentFS, "static")
	myRouter.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServerFS(staticFS)))

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(RequestLogger)
	myRouter.Use(securityHeaders)

	return myRouter
}

func RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		// Call the next handler in the chain.
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func securityHeaders(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// authEnabled reports whether a dashboard password is configured. Without
// one the dashboard is open, matching a bot on a trusted LAN.
func (wr *WebRouter) authEnabled() bool {
	return wr.config.Web.PasswordHash != "" && wr.config.Web.Salt != ""
}

func (wr *WebRouter) authorized(r *http.Request) bool {
	if !wr.authEnabled() {
		return true
	}
	session, _ := wr.getSession(r)
	authed, _ := session.Values["authenticated"].(bool)
	return authed
}

// gate answers unauthenticated requests with a login redirect, or a 401 for
// clients asking for JSON. Returns false when the request was handled.
func (wr *WebRouter) gate(w http.ResponseWriter, r *http.Request) bool {
	if wr.authorized(r) {
		return true
	}
	if wantsJSON(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	} else {
		http.Redirect(w, r, "/login", http.StatusFound)
	}
	return false
}

func (wr *WebRouter) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wr.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func wantsJSON(r *http.Request) bool {
	return r.Header.Get("Accept") == "application/json"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (wr *WebRouter) renderPage(w http.ResponseWriter, name string, data any) {
	tmpl, err := web.GetHTMLTemplate(name)
	if err != nil {
		slog.Error("error loading page template", "page", name, "error", err)
		http.Error(w, "Error rendering page", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name+".tmpl.html", data); err != nil {
		slog.Error("error rendering page", "page", name, "error", err)
		http.Error(w, "Error rendering page", http.StatusInternalServerError)
		return
	}
	buf.WriteTo(w)
}

type HomePageData struct {
	PageTitle   string
	Active      string
	LoggedIn    bool
	MaxLogLines int
}

func (wr *WebRouter) homePage(w http.ResponseWriter, r *http.Request) {
	if !wr.gate(w, r) {
		return
	}

	wr.renderPage(w, "index", HomePageData{
		PageTitle:   "Meshtastic Ping-Pong Logs",
		Active:      "logs",
		LoggedIn:    wr.authEnabled(),
		MaxLogLines: wr.config.Web.MaxLogLines,
	})
}

type LoginPageData struct {
	PageTitle string
	Error     string
}

func (wr *WebRouter) loginPage(w http.ResponseWriter, r *http.Request) {
	if !wr.authEnabled() || wr.authorized(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	wr.renderPage(w, "login", LoginPageData{PageTitle: "Meshtastic Pingbot - Login"})
}

func (wr *WebRouter) loginSubmit(w http.ResponseWriter, r *http.Request) {
	if !wr.authEnabled() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	password := r.FormValue("password")
	if !auth.Verify(password, wr.config.Web.Salt, wr.config.Web.PasswordHash) {
		slog.Warn("failed dashboard login", "remote_host", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		wr.renderPage(w, "login", LoginPageData{
			PageTitle: "Meshtastic Pingbot - Login",
			Error:     "Invalid password",
		})
		return
	}

	session, _ := wr.getSession(r)
	session.Values["authenticated"] = true
	if err := session.Save(r, w); err != nil {
		slog.Error("error saving session", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (wr *WebRouter) logoutHandler(w http.ResponseWriter, r *http.Request) {
	session, _ := wr.getSession(r)
	delete(session.Values, "authenticated")
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		slog.Error("error clearing session", "error", err)
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// NodeResponse is one node row as served to JSON clients, the node browser
// and the CSV export. Timestamps are pre-rendered so all three agree.
type NodeResponse struct {
	NodeID     string   `json:"node_id"`
	LongName   *string  `json:"long_name"`
	ShortName  *string  `json:"short_name"`
	MacAddr    *string  `json:"mac_addr"`
	HwModel    *string  `json:"hw_model"`
	Role       *string  `json:"role"`
	LastHeard  *string  `json:"last_heard"`
	Snr        *float64 `json:"snr"`
	Rssi       *int64   `json:"rssi"`
	HopCount   *int64   `json:"hop_count"`
	IsLicensed *bool    `json:"is_licensed"`
	ViaMqtt    *bool    `json:"via_mqtt"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

type NodesResponse struct {
	Nodes      []NodeResponse `json:"nodes"`
	TotalCount int            `json:"total_count"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
	TotalPages int            `json:"total_pages"`
	SortBy     string         `json:"sort_by"`
	SortOrder  string         `json:"sort_order"`
	Search     string         `json:"search"`
}

// requestSortColumns maps the sort keys accepted in query strings to node
// store columns. The request-level names predate the store schema.
var requestSortColumns = map[string]string{
	"node_id":    "node_id",
	"long_name":  "long_name",
	"short_name": "short_name",
	"rssi":       "rssi",
	"snr":        "snr",
	"hop_count":  "hops_away",
	"last_heard": "last_heard",
	"updated_at": "last_seen",
}

type nodeQuery struct {
	SortBy  string
	Order   string
	Search  string
	Page    int
	PerPage int
}

func parseNodeQuery(r *http.Request) (nodeQuery, store.ListOptions) {
	q := r.URL.Query()
	nq := nodeQuery{
		SortBy: q.Get("sort"),
		Order:  q.Get("order"),
		Search: q.Get("search"),
	}
	if _, ok := requestSortColumns[nq.SortBy]; !ok {
		nq.SortBy = "updated_at"
	}
	if nq.Order != "asc" && nq.Order != "desc" {
		nq.Order = "desc"
	}
	nq.Page, _ = strconv.Atoi(q.Get("page"))
	if nq.Page < 1 {
		nq.Page = 1
	}
	nq.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if nq.PerPage < 1 || nq.PerPage > maxPerPage {
		nq.PerPage = defaultPerPage
	}

	return nq, store.ListOptions{
		Search: nq.Search,
		SortBy: requestSortColumns[nq.SortBy],
		Order:  nq.Order,
		Limit:  nq.PerPage,
		Offset: (nq.Page - 1) * nq.PerPage,
	}
}

func nodeRow(n *models.Node) NodeResponse {
	return NodeResponse{
		NodeID:     n.NodeID,
		LongName:   n.LongName,
		ShortName:  n.ShortName,
		MacAddr:    n.MacAddr,
		HwModel:    n.HwModel,
		Role:       n.Role,
		LastHeard:  formatTimePtr(n.LastHeard),
		Snr:        n.Snr,
		Rssi:       n.Rssi,
		HopCount:   n.HopsAway,
		IsLicensed: n.IsLicensed,
		ViaMqtt:    n.ViaMqtt,
		CreatedAt:  n.FirstSeen.Format(timestampLayout),
		UpdatedAt:  n.LastSeen.Format(timestampLayout),
	}
}

type NodesPageData struct {
	PageTitle  string
	Active     string
	LoggedIn   bool
	Nodes      []NodeResponse
	TotalCount int
	Page       int
	PrevPage   int
	NextPage   int
	PerPage    int
	TotalPages int
	SortBy     string
	SortOrder  string
	Search     string
	Pages      []PageLink
}

// PageLink is one pagination control. A zero Number marks a "..." gap.
type PageLink struct {
	Number  int
	Current bool
}

func (wr *WebRouter) nodesPage(w http.ResponseWriter, r *http.Request) {
	if !wr.gate(w, r) {
		return
	}

	nq, opts := parseNodeQuery(r)
	nodes, total, err := wr.storage.Nodes.List(opts)
	if err != nil {
		slog.Error("error listing nodes", "error", err)
		if wantsJSON(r) {
			writeJSONError(w, http.StatusInternalServerError, "Failed to list nodes")
		} else {
			http.Error(w, "Database error", http.StatusInternalServerError)
		}
		return
	}

	rows := make([]NodeResponse, len(nodes))
	for i, n := range nodes {
		rows[i] = nodeRow(n)
	}
	totalPages := (total + nq.PerPage - 1) / nq.PerPage

	if wantsJSON(r) {
		writeJSON(w, NodesResponse{
			Nodes:      rows,
			TotalCount: total,
			Page:       nq.Page,
			PerPage:    nq.PerPage,
			TotalPages: totalPages,
			SortBy:     nq.SortBy,
			SortOrder:  nq.Order,
			Search:     nq.Search,
		})
		return
	}

	wr.renderPage(w, "nodes", NodesPageData{
		PageTitle:  "Meshtastic Node Database",
		Active:     "nodes",
		LoggedIn:   wr.authEnabled(),
		Nodes:      rows,
		TotalCount: total,
		Page:       nq.Page,
		PrevPage:   nq.Page - 1,
		NextPage:   nq.Page + 1,
		PerPage:    nq.PerPage,
		TotalPages: totalPages,
		SortBy:     nq.SortBy,
		SortOrder:  nq.Order,
		Search:     nq.Search,
		Pages:      pageWindow(nq.Page, totalPages),
	})
}

// pageWindow picks which page numbers the browser shows: the first three,
// the last three and two around the current page, with gaps collapsed.
func pageWindow(page, totalPages int) []PageLink {
	links := []PageLink{}
	lastShown := 0
	for p := 1; p <= totalPages; p++ {
		show := p <= 3 || p > totalPages-3 || (p >= page-2 && p <= page+2)
		if !show {
			continue
		}
		if lastShown != 0 && p != lastShown+1 {
			links = append(links, PageLink{})
		}
		links = append(links, PageLink{Number: p, Current: p == page})
		lastShown = p
	}
	return links
}

var csvHeader = []string{
	"Node ID", "Long Name", "Short Name", "MAC Address", "HW Model", "Role",
	"Last Heard", "SNR", "RSSI", "Hop Count", "Licensed", "Via MQTT",
	"Created At", "Updated At",
}

func (wr *WebRouter) nodesExport(w http.ResponseWriter, r *http.Request) {
	if !wr.gate(w, r) {
		return
	}

	_, opts := parseNodeQuery(r)
	// export is never paginated
	opts.Limit = 0
	opts.Offset = 0

	nodes, _, err := wr.storage.Nodes.List(opts)
	if err != nil {
		slog.Error("error exporting nodes", "error", err)
		http.Error(w, "Export error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=meshtastic_nodes.csv")

	cw := csv.NewWriter(w)
	cw.Write(csvHeader)
	for _, n := range nodes {
		row := nodeRow(n)
		cw.Write([]string{
			row.NodeID,
			orEmpty(row.LongName),
			orEmpty(row.ShortName),
			orEmpty(row.MacAddr),
			orEmpty(row.HwModel),
			orEmpty(row.Role),
			orEmpty(row.LastHeard),
			formatFloatPtr(row.Snr),
			formatIntPtr(row.Rssi),
			formatIntPtr(row.HopCount),
			formatBoolPtr(row.IsLicensed),
			formatBoolPtr(row.ViaMqtt),
			row.CreatedAt,
			row.UpdatedAt,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("error writing CSV export", "error", err)
	}
}

type HealthResponse struct {
	Connected bool `json:"connected"`
	Queued    int  `json:"queued"`
}

type HealthPageData struct {
	PageTitle   string
	Active      string
	LoggedIn    bool
	Connected   bool
	Queued      int
	QueueStatus string
}

func (wr *WebRouter) healthPage(w http.ResponseWriter, r *http.Request) {
	if !wr.gate(w, r) {
		return
	}

	health := HealthResponse{
		Connected: wr.radio.Connected(),
		Queued:    wr.traces.Snapshot().Pending,
	}

	if wantsJSON(r) {
		w.Header().Set("X-Frame-Options", "DENY")
		writeJSON(w, health)
		return
	}

	wr.renderPage(w, "health", HealthPageData{
		PageTitle:   "Meshtastic Pingbot - Health Status",
		Active:      "health",
		LoggedIn:    wr.authEnabled(),
		Connected:   health.Connected,
		Queued:      health.Queued,
		QueueStatus: queueStatus(health.Queued),
	})
}

func queueStatus(queued int) string {
	switch {
	case queued < 10:
		return "Normal"
	case queued < 50:
		return "High"
	default:
		return "Critical"
	}
}

type StatsResponse struct {
	models.NodeDBStats
	Connected bool `json:"connected"`
}

func (wr *WebRouter) nodedbStats(w http.ResponseWriter, r *http.Request) {
	if !wr.gate(w, r) {
		return
	}

	stats := wr.nodes.Stats()
	connected := wr.radio.Connected()

	if wantsJSON(r) {
		writeJSON(w, StatsResponse{NodeDBStats: stats, Connected: connected})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "NodeDB Statistics:\nTotal Nodes: %d\nNamed Nodes: %d (%.1f%%)\nRecent Nodes (24h): %d\nConnected: %t\n",
		stats.TotalNodes, stats.NamedNodes, stats.CompletionRate, stats.RecentNodes, connected)
}

func (wr *WebRouter) nodedbRefresh(w http.ResponseWriter, r *http.Request) {
	if !wr.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !wr.radio.Connected() {
		writeJSONError(w, http.StatusServiceUnavailable, "Radio not connected")
		return
	}

	if err := wr.radio.RequestSync(); err != nil {
		slog.Error("error requesting node database refresh", "error", err)
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("NodeDB refresh error: %v", err))
		return
	}

	writeJSON(w, map[string]string{"message": "NodeDB refresh requested"})
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(timestampLayout)
	return &s
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatFloatPtr(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

func formatIntPtr(i *int64) string {
	if i == nil {
		return ""
	}
	return strconv.FormatInt(*i, 10)
}

func formatBoolPtr(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}
