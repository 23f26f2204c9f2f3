package main

import (
	"context"
	"fmt"

	"github.com/diabetactic/diabetactic-go"
	"github.com/spf13/cobra"
)

var (
	appointmentDate   string
	appointmentReason string
)

var appointmentsCmd = &cobra.Command{
	Use:     "appointments",
	Aliases: []string{"appt"},
	Short:   "Manage clinic appointments and the appointment queue",
}

var appointmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached appointments, refreshing from the gateway when online",
	Args:  cobra.NoArgs,
	RunE:  runAppointmentsList,
}

var appointmentsAddCmd = &cobra.Command{
	Use:     "add",
	Short:   "Request an appointment",
	Example: `  diabetactic appointments add --date 2026-11-02 --reason "quarterly review"`,
	Args:    cobra.NoArgs,
	RunE:    runAppointmentsAdd,
}

var appointmentsUpdateCmd = &cobra.Command{
	Use:   "update <local-id>",
	Short: "Update a cached appointment",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppointmentsUpdate,
}

var appointmentsDeleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Cancel an appointment",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppointmentsDelete,
}

var appointmentsStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show your state and placement in the appointment queue",
	Args:  cobra.NoArgs,
	RunE:  runAppointmentsState,
}

var appointmentsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Join the appointment queue",
	Args:  cobra.NoArgs,
	RunE:  runAppointmentsSubmit,
}

var appointmentsResolutionCmd = &cobra.Command{
	Use:   "resolution <appointment-id>",
	Short: "Show the clinical resolution of an appointment",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppointmentsResolution,
}

func init() {
	for _, c := range []*cobra.Command{appointmentsAddCmd, appointmentsUpdateCmd} {
		c.Flags().StringVar(&appointmentDate, "date", "", "Requested date (YYYY-MM-DD)")
		c.Flags().StringVar(&appointmentReason, "reason", "", "Reason for the visit")
	}
	appointmentsAddCmd.MarkFlagRequired("date")

	appointmentsCmd.AddCommand(
		appointmentsListCmd,
		appointmentsAddCmd,
		appointmentsUpdateCmd,
		appointmentsDeleteCmd,
		appointmentsStateCmd,
		appointmentsSubmitCmd,
		appointmentsResolutionCmd,
	)
	rootCmd.AddCommand(appointmentsCmd)
}

func runAppointmentsList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		appts, err := c.Appointments(ctx)
		if err != nil {
			return err
		}
		return outputAppointments(cmd, appts)
	})
}

func runAppointmentsAdd(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		rec, err := c.RecordAppointment(ctx, diabetactic.Appointment{Date: appointmentDate, Reason: appointmentReason})
		if err != nil {
			return err
		}
		return outputAppointment(cmd, "Requested", rec)
	})
}

func runAppointmentsUpdate(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		rec, err := c.UpdateAppointment(ctx, args[0], diabetactic.Appointment{Date: appointmentDate, Reason: appointmentReason})
		if err != nil {
			return err
		}
		return outputAppointment(cmd, "Updated", rec)
	})
}

func outputAppointment(cmd *cobra.Command, verb string, rec *diabetactic.AppointmentRecord) error {
	if outputJSON {
		return outputAsJSON(cmd, rec)
	}
	out := cmd.OutOrStdout()
	if rec.SyncState == diabetactic.SyncSynced {
		printSuccess(out, "%s appointment %s for %s", verb, rec.LocalID, rec.Date)
	} else {
		printWarning(out, "%s appointment %s for %s (queued: %s)", verb, rec.LocalID, rec.Date, rec.SyncState)
	}
	return nil
}

func runAppointmentsDelete(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		if err := c.DeleteAppointment(ctx, args[0]); err != nil {
			return err
		}
		if outputJSON {
			return outputAsJSON(cmd, map[string]string{"deleted": args[0]})
		}
		printSuccess(cmd.OutOrStdout(), "Cancelled appointment %s", args[0])
		return nil
	})
}

// queuePosition reports the appointment queue. Placement is zero until
// the user has joined.
type queuePosition struct {
	State     string `json:"state"`
	Placement int    `json:"placement,omitempty"`
}

func runAppointmentsState(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		st, err := c.AppointmentState(ctx)
		if err != nil {
			return err
		}
		pos := queuePosition{State: st.State}
		if st.State != "NONE" {
			pl, err := c.AppointmentPlacement(ctx)
			if err != nil {
				return err
			}
			pos.Placement = pl.Placement
		}
		if outputJSON {
			return outputAsJSON(cmd, pos)
		}
		out := cmd.OutOrStdout()
		printInfo(out, "Queue state: %s", pos.State)
		if pos.Placement > 0 {
			printField(out, "Placement", pos.Placement)
		}
		return nil
	})
}

func runAppointmentsSubmit(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		sub, err := c.SubmitAppointment(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return outputAsJSON(cmd, sub)
		}
		printSuccess(cmd.OutOrStdout(), "Joined the queue (%s, placement %d)", sub.State, sub.Placement)
		return nil
	})
}

func runAppointmentsResolution(cmd *cobra.Command, args []string) error {
	return withClient(cmd, true, func(ctx context.Context, c *diabetactic.Client) error {
		res, err := c.AppointmentResolution(ctx, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return outputAsJSON(cmd, res)
		}
		out := cmd.OutOrStdout()
		printInfo(out, "Appointment %s: %s", res.AppointmentID, res.Status)
		if res.Notes != "" {
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderMarkdown(res.Notes))
		}
		return nil
	})
}
