package mcp

import (
	"fmt"
	"strings"

	"github.com/diabetactic/diabetactic-go"
)

const timeLayout = "2006-01-02 15:04 UTC"

func formatProfile(p *diabetactic.Profile) string {
	return fmt.Sprintf("Logged in as %s %s (DNI %s).\n  Measurements: %d\n  Streak: %d (best %d)",
		p.Name, p.Surname, p.DNI, p.TimesMeasured, p.Streak, p.MaxStreak)
}

func formatReadingLine(r *diabetactic.Reading) string {
	line := fmt.Sprintf("%g mg/dL %s at %s", r.GlucoseLevel, r.ReadingType, r.CreatedAt.UTC().Format(timeLayout))
	if r.Notes != "" {
		line += " - " + truncate(r.Notes, 80)
	}
	return line
}

func (s *Server) formatReadings(readings []diabetactic.ReadingRecord) string {
	if len(readings) == 0 {
		return "No readings recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d reading(s):\n\n", len(readings))
	for i := range readings {
		r := &readings[i]
		ref := s.refs.Track(diabetactic.KindReading, r.LocalID)
		fmt.Fprintf(&sb, "[%s] %s", ref, formatReadingLine(&r.Reading))
		if r.SyncState != diabetactic.SyncSynced {
			fmt.Fprintf(&sb, " (%s)", r.SyncState)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nUse diabetactic_reading_delete with a ref (R1, R2, ...) to remove a reading.")
	return sb.String()
}

func formatRecorded(ref string, rec *diabetactic.ReadingRecord) string {
	if rec.SyncState == diabetactic.SyncSynced {
		return fmt.Sprintf("Recorded reading [%s]: %s", ref, formatReadingLine(&rec.Reading))
	}
	return fmt.Sprintf("Queued reading [%s] for sync (%s): %s", ref, rec.SyncState, formatReadingLine(&rec.Reading))
}

func (s *Server) formatAppointments(appts []diabetactic.AppointmentRecord) string {
	if len(appts) == 0 {
		return "No appointments."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d appointment(s):\n\n", len(appts))
	for i := range appts {
		a := &appts[i]
		ref := s.refs.Track(diabetactic.KindAppointment, a.LocalID)
		fmt.Fprintf(&sb, "[%s] %s", ref, a.Date)
		if a.Status != "" {
			fmt.Fprintf(&sb, " %s", a.Status)
		}
		if a.Reason != "" {
			fmt.Fprintf(&sb, " - %s", truncate(a.Reason, 80))
		}
		if a.SyncState != diabetactic.SyncSynced {
			fmt.Fprintf(&sb, " (%s)", a.SyncState)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatQueueStats(sb *strings.Builder, q *diabetactic.QueueStats) {
	if q == nil {
		return
	}
	fmt.Fprintf(sb, "Queue: %d pending, %d in flight, %d failed, %d done\n", q.Pending, q.InFlight, q.Failed, q.Done)
}

func formatSyncRun(st *diabetactic.SyncStatus) string {
	var sb strings.Builder
	if run := st.LastRun; run != nil {
		fmt.Fprintf(&sb, "Sync complete: %d sent, %d collapsed, %d rescheduled.\n", run.Sent, run.Collapsed, run.Rescheduled)
		for _, c := range run.Conflicts {
			fmt.Fprintf(&sb, "  conflict: %v\n", c)
		}
	} else {
		sb.WriteString("Nothing to sync.\n")
	}
	formatQueueStats(&sb, st.QueueStats)
	return strings.TrimRight(sb.String(), "\n")
}

func formatSyncStatus(st *diabetactic.SyncStatus, conflicts []diabetactic.QueueEntry) string {
	var sb strings.Builder
	online := "online"
	if !st.Online {
		online = "offline"
	}
	fmt.Fprintf(&sb, "Sync: %s, %s\n", st.State, online)
	formatQueueStats(&sb, st.QueueStats)
	if st.LastError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", st.LastError)
	}

	if len(conflicts) == 0 {
		sb.WriteString("No conflicts.")
		return sb.String()
	}
	fmt.Fprintf(&sb, "%d conflict(s) need the user's decision (retry or dismiss from the app or CLI):\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Fprintf(&sb, "  entry %d: %s %s %s after %d attempt(s): %s\n",
			c.EntryID, c.Operation, c.Kind, c.LocalID, c.AttemptCount, c.LastError)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
