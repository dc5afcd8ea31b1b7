package console

import (
	"fmt"
	"strings"
	"time"

	"wafleet/internal/dispatch"
	"wafleet/internal/importer"
	"wafleet/internal/session"
)

// pairRequest relays one /pair outcome back to the chat that asked.
type pairRequest struct {
	c      *Console
	chatID int64
	phone  string
}

func (r *pairRequest) PairingCode(_ session.Info, code string) {
	r.c.reply(r.chatID, fmt.Sprintf("Pairing code for +%s: %s\nOn the phone open Linked devices > Link with phone number and enter it.", r.phone, code))
}

func (r *pairRequest) PairingFailed(_ session.Info, err error) {
	r.c.reply(r.chatID, fmt.Sprintf("Pairing +%s failed: %v", r.phone, err))
}

func (r *pairRequest) Opened(info session.Info) {
	r.c.reply(r.chatID, fmt.Sprintf("Session %s is open (+%s).", info.ShortID, info.Phone))
}

func (r *pairRequest) Ended(info session.Info, code int) {
	r.c.reply(r.chatID, fmt.Sprintf("Session %s (+%s) ended with code %d.", info.ShortID, info.Phone, code))
}

func formatSessions(list []session.Info, now time.Time) string {
	if len(list) == 0 {
		return "No sessions."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d session(s)\n", len(list))
	for _, in := range list {
		short := in.ShortID
		if short == "" {
			short = "-----"
		}
		b.WriteString("\n")
		b.WriteString(short)
		b.WriteString(" ")
		b.WriteString(in.State.String())
		if in.Phone != "" {
			b.WriteString(" +" + in.Phone)
		}
		if in.Locked {
			b.WriteString(" locked")
		}
		if in.State == session.StateOpen && !in.ConnectedAt.IsZero() {
			b.WriteString(" up " + now.Sub(in.ConnectedAt).Truncate(time.Minute).String())
		}
		if in.State != session.StateOpen && in.LastCode != 0 {
			fmt.Fprintf(&b, " last_code=%d", in.LastCode)
		}
	}
	return b.String()
}

func formatProgress(p dispatch.Progress) string {
	return fmt.Sprintf("Broadcasting... %d/%d done, %d delivered, %d failed", p.Done, p.Total, p.Delivered, p.Failed)
}

func formatReport(r dispatch.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast %s finished in %s\n", r.RunID, r.Elapsed.Round(time.Second))
	fmt.Fprintf(&b, "Delivered: %d\nFailed: %d (not on network: %d)\nRemoved from list: %d", r.Delivered, r.Failed, r.NotFound, r.Removed)
	if r.Skipped > 0 {
		fmt.Fprintf(&b, "\nSkipped (already joined): %d", r.Skipped)
	}
	return b.String()
}

func formatImport(name string, r importer.Report) string {
	return fmt.Sprintf("Imported %s\nAccepted: %d (new: %d)\nDuplicates: %d\nRejected: %d",
		name, len(r.Accepted), r.Added, r.Duplicates, r.Rejected)
}
