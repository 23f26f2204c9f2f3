package main

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/diabetactic/diabetactic-go"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04"

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to w with credentials removed.
func outputError(w io.Writer, err error) {
	if isTTY() {
		printError(w, "%s", scrubSensitiveData(err.Error()))
		return
	}
	fmt.Fprintf(w, "Error: %s\n", scrubSensitiveData(err.Error()))
}

var bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)

// scrubSensitiveData removes passwords and bearer tokens from messages.
func scrubSensitiveData(msg string) string {
	if _, pass := credentials(); pass != "" {
		msg = strings.ReplaceAll(msg, pass, "[REDACTED]")
	}
	return bearerPattern.ReplaceAllString(msg, "Bearer [REDACTED]")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func outputReadings(cmd *cobra.Command, readings []diabetactic.ReadingRecord) error {
	if outputJSON {
		if readings == nil {
			readings = []diabetactic.ReadingRecord{}
		}
		return outputAsJSON(cmd, readings)
	}

	out := cmd.OutOrStdout()
	if len(readings) == 0 {
		printMuted(out, "No readings.")
		return nil
	}

	rows := make([][]string, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, []string{
			r.LocalID,
			orDash(string(r.ID)),
			strconv.FormatFloat(r.GlucoseLevel, 'f', -1, 64),
			r.ReadingType,
			formatTime(r.CreatedAt),
			syncStateStyle(string(r.SyncState)),
			orDash(r.Notes),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"LOCAL ID", "ID", "MG/DL", "TYPE", "TAKEN", "STATE", "NOTES"}, rows))
	return nil
}

func outputReading(cmd *cobra.Command, verb string, r *diabetactic.ReadingRecord) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}
	out := cmd.OutOrStdout()
	if r.SyncState == diabetactic.SyncSynced {
		printSuccess(out, "%s reading %s", verb, r.LocalID)
	} else {
		printWarning(out, "%s reading %s (queued: %s)", verb, r.LocalID, r.SyncState)
	}
	printField(out, "Level", strconv.FormatFloat(r.GlucoseLevel, 'f', -1, 64)+" mg/dL")
	printField(out, "Type", r.ReadingType)
	if r.ID != "" {
		printField(out, "Server ID", r.ID)
	}
	return nil
}

func outputAppointments(cmd *cobra.Command, appts []diabetactic.AppointmentRecord) error {
	if outputJSON {
		if appts == nil {
			appts = []diabetactic.AppointmentRecord{}
		}
		return outputAsJSON(cmd, appts)
	}

	out := cmd.OutOrStdout()
	if len(appts) == 0 {
		printMuted(out, "No appointments.")
		return nil
	}

	rows := make([][]string, 0, len(appts))
	for _, a := range appts {
		rows = append(rows, []string{
			a.LocalID,
			orDash(string(a.ID)),
			a.Date,
			orDash(a.Status),
			syncStateStyle(string(a.SyncState)),
			orDash(a.Reason),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"LOCAL ID", "ID", "DATE", "STATUS", "STATE", "REASON"}, rows))
	return nil
}

func outputProfile(cmd *cobra.Command, p *diabetactic.Profile) error {
	if outputJSON {
		return outputAsJSON(cmd, p)
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Logged in as %s %s", p.Name, p.Surname)
	printField(out, "DNI", p.DNI)
	printField(out, "Email", orDash(p.Email))
	printField(out, "Measurements", p.TimesMeasured)
	printField(out, "Streak", fmt.Sprintf("%d (best %d)", p.Streak, p.MaxStreak))
	return nil
}

func outputQueueStats(cmd *cobra.Command, stats *diabetactic.QueueStats) error {
	if outputJSON {
		return outputAsJSON(cmd, stats)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTable(
		[]string{"PENDING", "IN FLIGHT", "FAILED", "DONE", "ENTITIES", "CONFLICTS"},
		[][]string{{
			strconv.Itoa(stats.Pending),
			strconv.Itoa(stats.InFlight),
			strconv.Itoa(stats.Failed),
			strconv.Itoa(stats.Done),
			strconv.Itoa(stats.Entities),
			strconv.Itoa(stats.Conflicts),
		}},
	))
	if stats.Conflicts > 0 {
		printWarning(out, "%d conflict(s) need attention: diabetactic conflicts list", stats.Conflicts)
	}
	return nil
}

// syncReport is the JSON shape of a sync run.
type syncReport struct {
	State       string   `json:"state"`
	Online      bool     `json:"online"`
	Sent        int      `json:"sent"`
	Collapsed   int      `json:"collapsed"`
	Rescheduled int      `json:"rescheduled"`
	Conflicts   []string `json:"conflicts"`
	LastError   string   `json:"last_error,omitempty"`

	Queue *diabetactic.QueueStats `json:"queue,omitempty"`
}

func newSyncReport(st *diabetactic.SyncStatus) syncReport {
	rep := syncReport{
		State:     string(st.State),
		Online:    st.Online,
		Conflicts: []string{},
		LastError: st.LastError,
		Queue:     st.QueueStats,
	}
	if run := st.LastRun; run != nil {
		rep.Sent = run.Sent
		rep.Collapsed = run.Collapsed
		rep.Rescheduled = run.Rescheduled
		for _, c := range run.Conflicts {
			rep.Conflicts = append(rep.Conflicts, c.Error())
		}
	}
	return rep
}

func outputSyncStatus(cmd *cobra.Command, st *diabetactic.SyncStatus) error {
	rep := newSyncReport(st)
	if outputJSON {
		return outputAsJSON(cmd, rep)
	}

	out := cmd.OutOrStdout()
	if st.LastRun != nil {
		printSuccess(out, "Sent %d write(s), collapsed %d, rescheduled %d", rep.Sent, rep.Collapsed, rep.Rescheduled)
	} else {
		printInfo(out, "No sync run yet")
	}
	for _, c := range rep.Conflicts {
		printWarning(out, "%s", c)
	}
	if rep.LastError != "" {
		printError(out, "%s", scrubSensitiveData(rep.LastError))
	}
	if st.QueueStats != nil {
		return outputQueueStats(cmd, st.QueueStats)
	}
	return nil
}

func outputConflicts(cmd *cobra.Command, entries []diabetactic.QueueEntry) error {
	if outputJSON {
		if entries == nil {
			entries = []diabetactic.QueueEntry{}
		}
		return outputAsJSON(cmd, entries)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		printSuccess(out, "No conflicts")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.EntryID, 10),
			string(e.Kind),
			e.LocalID,
			string(e.Operation),
			strconv.Itoa(e.AttemptCount),
			orDash(scrubSensitiveData(e.LastError)),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"ENTRY", "KIND", "LOCAL ID", "OP", "ATTEMPTS", "LAST ERROR"}, rows))
	printMuted(out, "Resolve with: diabetactic conflicts retry <entry> | diabetactic conflicts dismiss <entry>")
	return nil
}
