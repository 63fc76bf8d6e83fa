package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/scheduler"
)

const dashboardHead = `<!doctype html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="5">
<title>Offline sync</title></head><body>
`

const dashboardTail = "</body></html>\n"

// Raw HTML in the markdown is dropped; goldmark is not configured as unsafe.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// Dashboard handles GET /offline/.
// Renders the status and pending queue as a small HTML page.
func (h *OfflineHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/offline/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	items, err := h.svc.PendingRequests(r.Context())
	if err != nil {
		logging.Error("Failed to list pending requests", err)
		http.Error(w, "Failed to list pending requests", http.StatusInternalServerError)
		return
	}

	var page bytes.Buffer
	page.WriteString(dashboardHead)
	if err := markdown.Convert([]byte(DashboardMarkdown(h.svc.Status(r.Context()), h.svc.Degraded(), items)), &page); err != nil {
		logging.Error("Failed to render dashboard", err)
		http.Error(w, "Failed to render dashboard", http.StatusInternalServerError)
		return
	}
	page.WriteString(dashboardTail)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page.Bytes())
}

// DashboardMarkdown renders the dashboard source.
func DashboardMarkdown(st scheduler.Status, degraded bool, items []models.PendingSyncItem) string {
	var b strings.Builder

	b.WriteString("# Offline sync\n\n")

	connectivity := "offline"
	if st.IsOnline {
		connectivity = "online"
	}
	storage := "durable"
	if degraded {
		storage = "memory only"
	}
	lastSync := "never"
	if st.LastSync != nil {
		lastSync = humanize.Time(*st.LastSync)
	}

	fmt.Fprintf(&b, "- **Connectivity:** %s\n", connectivity)
	fmt.Fprintf(&b, "- **Pending requests:** %d\n", st.PendingCount)
	fmt.Fprintf(&b, "- **Syncing:** %t\n", st.Syncing)
	fmt.Fprintf(&b, "- **Last sync:** %s\n", lastSync)
	fmt.Fprintf(&b, "- **Storage:** %s\n\n", storage)

	b.WriteString("## Pending requests\n\n")
	if len(items) == 0 {
		b.WriteString("Nothing is waiting to sync.\n")
		return b.String()
	}

	b.WriteString("| Method | URL | Body | Queued | Retries | Last error |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, item := range items {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %s |\n",
			item.Method,
			cell(item.URL),
			humanize.Bytes(uint64(len(item.Body))),
			humanize.Time(item.EnqueuedAtTime()),
			item.Retries,
			cell(item.LastError),
		)
	}
	return b.String()
}

// cell escapes text for a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
