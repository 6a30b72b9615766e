package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wolfman30/govbook/internal/assistant"
)

func chatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask the assistant about services and documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := newRuntime(ctx)
			defer rt.Close()

			chat, err := assistant.Dial(ctx, rt.cfg.AssistantURL, sessionID, rt.logger)
			if err != nil {
				return err
			}
			defer chat.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Ask a question (empty line to quit).")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					return nil
				}
				typing := false
				reply, err := chat.Ask(ctx, text, func() {
					if !typing {
						typing = true
						fmt.Fprint(out, "...")
					}
				})
				if typing {
					fmt.Fprintln(out)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(out, reply.Answer)
				if line := describeAction(reply.Action); line != "" {
					fmt.Fprintln(out, line)
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an assistant conversation")
	return cmd
}

func describeAction(a *assistant.ActionDetails) string {
	if a == nil {
		return ""
	}
	switch a.Type {
	case assistant.ActionCall:
		if phone, ok := a.Phone(); ok {
			return fmt.Sprintf("[%s] tel:%s", a.Label, phone)
		}
	case assistant.ActionEmail:
		if email, ok := a.EmailData(); ok {
			return fmt.Sprintf("[%s] %s", a.Label, email.MailtoURL())
		}
	case assistant.ActionBook:
		return fmt.Sprintf("[%s] use `govbook book` to reserve a slot", a.Label)
	}
	return ""
}
