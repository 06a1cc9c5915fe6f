package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wilhg/clinic-assist/pkg/orchestrator"
	"github.com/wilhg/clinic-assist/pkg/permission"
)

func newChatCmd() *cobra.Command {
	var (
		convID     string
		staffID    string
		staffRole  string
		entityType string
		entityID   string
		phone      string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the customer agent, or to the staff copilot with --staff-role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var caller permission.Caller
			if staffRole != "" {
				caller = permission.NewCaller(staffID, permission.Role(staffRole), a.cfg.RoleTable())
			}
			out := cmd.OutOrStdout()
			in := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !in.Scan() {
					fmt.Fprintln(out)
					return in.Err()
				}
				msg := strings.TrimSpace(in.Text())
				switch msg {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				}
				if staffRole != "" {
					res, err := a.orchestrator.HandleStaff(ctx, orchestrator.StaffRequest{
						Query: msg, ConversationID: convID, Caller: caller,
						CurrentEntityType: entityType, CurrentEntityID: entityID,
					})
					if err != nil {
						return err
					}
					convID = res.ConversationID
					printStaff(out, res)
					continue
				}
				res, err := a.orchestrator.HandleCustomer(ctx, orchestrator.CustomerRequest{
					Message: msg, ConversationID: convID, CustomerPhone: phone,
				})
				if err != nil {
					return err
				}
				convID, phone = res.ConversationID, ""
				printCustomer(out, res)
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&convID, "conversation", "", "continue an existing conversation")
	f.StringVar(&staffID, "staff-id", "staff-cli", "staff user id for copilot mode")
	f.StringVar(&staffRole, "staff-role", "", "staff role; enables copilot mode")
	f.StringVar(&entityType, "entity-type", "", "current entity type (Patient, Lead, Appointment, Conversation)")
	f.StringVar(&entityID, "entity-id", "", "current entity id")
	f.StringVar(&phone, "phone", "", "customer phone number sent with the first message")
	return cmd
}

func printCustomer(w io.Writer, res orchestrator.CustomerResponse) {
	fmt.Fprintf(w, "[%s %.2f] %s\n", res.Intent, res.Confidence, res.Response)
	if res.RequiresHumanHandoff {
		fmt.Fprintf(w, "  handoff: %s\n", res.HandoffReason)
	}
	for _, s := range res.SuggestedActions {
		fmt.Fprintf(w, "  suggest %s: %s\n", s.Type, s.Description)
	}
}

func printStaff(w io.Writer, res orchestrator.StaffResponse) {
	fmt.Fprintf(w, "[%s %.2f] %s\n", res.Intent, res.Confidence, res.Response)
	for _, te := range res.ToolsExecuted {
		status := "ok"
		if !te.Success {
			status = "failed: " + te.Error
		}
		fmt.Fprintf(w, "  %s %s\n", te.Tool, status)
	}
	if res.PermissionDenied {
		fmt.Fprintf(w, "  denied: %s\n", res.PermissionDeniedReason)
	}
	for _, s := range res.SuggestedFollowUps {
		fmt.Fprintf(w, "  follow-up: %s\n", s)
	}
}
