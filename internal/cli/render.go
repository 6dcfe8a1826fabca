package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/roach88/circles/internal/dispatch"
	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/wire"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// wrapperList renders outcome wrappers.
type wrapperList []event.Wrapper

func (l wrapperList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No wrappers.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "TOKEN\tNODE\tKIND\tCIRCLE\tSTATUS\tRETRY\tRETRY AFTER\tLAST ERROR")
	for _, wr := range l {
		status := wr.Status.String()
		if wr.Pending {
			status += " (pending)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			wr.Token, wr.Node, wr.Event.Kind, wr.Event.Circle.ID, status, wr.Retry,
			formatTime(wr.RetryAfter), wr.LastError)
	}
	return tw.Flush()
}

// wrapperView renders one wrapper after an admin operation.
type wrapperView event.Wrapper

func (v wrapperView) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Wrapper %s/%s is %s (retry %d)\n", v.Token, v.Node, v.Status, v.Retry)
	return err
}

// reportView renders a dispatch report.
type reportView dispatch.Report

func (v reportView) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Event %s (%s) on circle %s\n", v.Token, v.Event.Kind, v.Event.Circle.ID)
	if v.Forwarded {
		fmt.Fprintln(w, "  forwarded to master")
	}
	if len(v.Result) > 0 {
		fmt.Fprintf(w, "  result: %s\n", formatBag(v.Result))
	}
	for _, o := range v.Outcomes {
		fmt.Fprintf(w, "  %s: %s\n", o.Node, formatBag(o.Result))
	}
	if len(v.Waiting) > 0 {
		fmt.Fprintf(w, "  waiting: %s\n", strings.Join(v.Waiting, ", "))
	}
	if len(v.GaveUp) > 0 {
		fmt.Fprintf(w, "  gave up: %s\n", strings.Join(v.GaveUp, ", "))
	}
	return nil
}

// reportList renders several reports.
type reportList []dispatch.Report

func (l reportList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No events.")
		return err
	}
	for _, r := range l {
		if err := reportView(r).WriteText(w); err != nil {
			return err
		}
	}
	return nil
}

// circleView is a circle with its direct members.
type circleView struct {
	Circle  model.Circle   `json:"circle"`
	Members []model.Member `json:"members"`
	Waiting int            `json:"waiting_wrappers"`
}

func (v circleView) WriteText(w io.Writer) error {
	c := v.Circle
	fmt.Fprintf(w, "Circle %s %q\n", c.ID, c.Name)
	fmt.Fprintf(w, "  master: %s\n", c.Instance)
	fmt.Fprintf(w, "  owner: %s\n", c.Owner)
	fmt.Fprintf(w, "  config: %s\n", c.Config)
	if v.Waiting > 0 {
		fmt.Fprintf(w, "  undelivered wrappers: %d\n", v.Waiting)
	}
	fmt.Fprintln(w)

	tw := newTable(w)
	fmt.Fprintln(tw, "SINGLE ID\tTYPE\tNODE\tLEVEL\tSTATUS")
	for _, m := range v.Members {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.SingleID, m.UserType, m.Instance, m.Level, m.Status)
	}
	return tw.Flush()
}

// circleList renders known circles.
type circleList []model.Circle

func (l circleList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No circles.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tMASTER\tOWNER")
	for _, c := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Instance, c.Owner)
	}
	return tw.Flush()
}

func formatBag(b wire.Bag) string {
	data, err := wire.MarshalCanonical(b)
	if err != nil {
		return fmt.Sprintf("%v", map[string]wire.Value(b))
	}
	return string(data)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
