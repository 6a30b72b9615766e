package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/govbook/internal/auth"
	"github.com/wolfman30/govbook/internal/govapi"
	"github.com/wolfman30/govbook/internal/receipts"
)

const loginTTL = 7 * 24 * time.Hour

func loginCmd() *cobra.Command {
	var nic, phone string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with NIC and phone number, then verify the OTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := newRuntime(ctx)
			defer rt.Close()

			resp, err := rt.api.Login(ctx, nic, phone)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			otp, err := prompt(cmd.InOrStdin(), cmd.OutOrStdout(), "OTP: ")
			if err != nil {
				return err
			}
			verified, err := rt.api.VerifyOTP(ctx, resp.UserID, otp)
			if err != nil {
				return err
			}
			if err := rt.tokens.Save(ctx, verified.Token, loginTTL); err != nil {
				return err
			}
			if rt.redis == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "logged in; set GOVBOOK_TOKEN=%s to stay logged in\n", verified.Token)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged in")
			return nil
		},
	}
	cmd.Flags().StringVar(&nic, "nic", "", "national identity card number")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number on file")
	_ = cmd.MarkFlagRequired("nic")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func signupCmd() *cobra.Command {
	var req govapi.SignupRequest
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := newRuntime(ctx)
			defer rt.Close()

			resp, err := rt.api.Signup(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&req.NIC, "nic", "", "national identity card number")
	cmd.Flags().StringVar(&req.DOB, "dob", "", "date of birth (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.Address.Street, "street", "", "street address")
	cmd.Flags().StringVar(&req.Address.City, "city", "", "city")
	cmd.Flags().StringVar(&req.ContactNumber, "phone", "", "contact number")
	return cmd
}

func departmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "departments",
		Short: "List departments and their services",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := newRuntime(ctx)
			defer rt.Close()

			departments, err := rt.api.GetDepartments(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range departments {
				if d.City != "" {
					fmt.Fprintf(out, "%s  %s (%s)\n", d.ID, d.Name, d.City)
				} else {
					fmt.Fprintf(out, "%s  %s\n", d.ID, d.Name)
				}
				for _, s := range d.Services {
					fmt.Fprintf(out, "    %s  %s\n", s.ServiceID, s.ServiceName)
				}
			}
			return nil
		},
	}
}

func serviceCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "service <id>",
		Short: "Show a service's required documents and open dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := newRuntime(ctx)
			defer rt.Close()

			svc, err := rt.api.GetService(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", svc.Name)
			if svc.Description != "" {
				fmt.Fprintf(out, "%s\n", svc.Description)
			}
			if docs := svc.RequiredDocumentList(); len(docs) > 0 {
				fmt.Fprintln(out, "\nBring:")
				for _, doc := range docs {
					fmt.Fprintf(out, "  - %s\n", doc)
				}
			}
			dates := svc.AvailableDates(time.Now(), days)
			fmt.Fprintln(out, "\nOpen on:")
			if len(dates) == 0 {
				fmt.Fprintln(out, "  (no open days)")
			}
			for _, d := range dates {
				fmt.Fprintf(out, "  %s  %s\n", d.Format(time.DateOnly), d.Weekday())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "how many days ahead to look")
	return cmd
}

func appointmentsCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "appointments",
		Short: "List booking receipts recorded on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := newRuntime(ctx)
			defer rt.Close()

			user, err := currentUser(ctx, rt.tokens)
			if err != nil {
				return err
			}
			list, err := rt.receipts.List(ctx, user, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "no appointments recorded")
				return nil
			}
			for _, r := range list {
				fmt.Fprintln(out, formatReceipt(r))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "maximum receipts to show")
	return cmd
}

// currentUser keys receipts by the token subject. Opaque tokens share one
// local bucket.
func currentUser(ctx context.Context, tokens auth.TokenSource) (string, error) {
	token, err := auth.Resolve(ctx, tokens)
	if err != nil {
		return "", err
	}
	if sub := auth.Subject(token); sub != "" {
		return sub, nil
	}
	return "local", nil
}

func formatReceipt(r receipts.Receipt) string {
	name := r.ServiceName
	if name == "" {
		name = r.ServiceID
	}
	line := fmt.Sprintf("%s  %-17s  %s", r.RecordedAt.Local().Format("2006-01-02 15:04"), r.Outcome, name)
	switch {
	case r.AppointmentDate != "":
		line += fmt.Sprintf("  %s %s", r.AppointmentDate, r.AppointmentTime)
	default:
		line += fmt.Sprintf("  %s %s", r.RequestedDate, r.RequestedTime)
	}
	if r.ContactReference != "" {
		line += "  ref " + r.ContactReference
	}
	if r.Reason != "" {
		line += "  (" + r.Reason + ")"
	}
	if r.NeedsReconciliation() {
		line += "  [check with the office]"
	}
	return line
}

func prompt(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
