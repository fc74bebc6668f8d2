package journal

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/nozzle.control/internal/channel"
	"github.com/banshee-data/nozzle.control/internal/httputil"
)

const (
	defaultChartLimit = 500
	maxChartLimit     = 20000
)

// AttachAdminRoutes mounts tailsql, a database backup, the command chart and
// a JSON view of recent journal entries under /debug/.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(j.path), j.DB, &tailsql.DBOptions{
		Label: "Nozzle journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the journal now", http.HandlerFunc(j.handleBackup))
	debug.HandleFunc("nozzle-chart", "Fan speed commanded per nozzle", j.handleChart)
	debug.HandleFunc("nozzle-journal", "Recent commands, conflicts and connection events", j.handleRecent)
	return nil
}

func limitParam(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= maxChartLimit {
		return v
	}
	return def
}

func (j *Journal) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("nozzle-journal-backup-%d.db", time.Now().UnixNano()))
	if _, err := j.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			j.logf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		j.logf("backup download interrupted: %v", err)
	}
}

func (j *Journal) handleChart(w http.ResponseWriter, r *http.Request) {
	rows, err := j.RecentCommands(limitParam(r, defaultChartLimit))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	// One x position per command set, oldest first.
	type key struct {
		seq    uint64
		nozzle string
	}
	speeds := make(map[key]int)
	setAt := make(map[uint64]time.Time)
	nozzles := make(map[string]bool)
	for _, row := range rows {
		speeds[key{row.SetSequence, row.Command.NozzleID}] = row.Command.SpeedPercent
		if _, ok := setAt[row.SetSequence]; !ok {
			setAt[row.SetSequence] = row.At
		}
		nozzles[row.Command.NozzleID] = true
	}
	seqs := make([]uint64, 0, len(setAt))
	for seq := range setAt {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })
	ids := make([]string, 0, len(nozzles))
	for id := range nozzles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	labels := make([]string, len(seqs))
	for i, seq := range seqs {
		labels[i] = setAt[seq].Format("15:04:05.000")
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Nozzle fan speed", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Commanded fan speed", Subtitle: fmt.Sprintf("sets=%d nozzles=%d", len(seqs), len(ids))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "speed %", Min: 0, Max: 100}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(labels)
	// Only changed commands are journaled, so a nozzle holds its last
	// speed until its next row.
	for _, id := range ids {
		data := make([]opts.LineData, len(seqs))
		var last interface{} = "-"
		for i, seq := range seqs {
			if v, ok := speeds[key{seq, id}]; ok {
				last = v
			}
			data[i] = opts.LineData{Value: last}
		}
		line.AddSeries(id, data, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

type recentView struct {
	Commands  []CommandRow              `json:"commands"`
	Conflicts []ConflictRow             `json:"conflicts"`
	Events    []channel.ConnectionEvent `json:"connection_events"`
}

func (j *Journal) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50)
	var view recentView
	var err error
	if view.Commands, err = j.RecentCommands(limit); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if view.Conflicts, err = j.RecentConflicts(limit); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if view.Events, err = j.ConnectionEvents(limit); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusOK, view)
}
