package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type onlineUsersResponse struct {
	OnlineUsers []string `json:"online_users"`
	Count       int      `json:"count"`
}

var (
	onlineLabel  = color.New(color.FgGreen).SprintFunc()
	offlineLabel = color.New(color.FgHiBlack).SprintFunc()
)

type onlineStatusResponse struct {
	Statuses map[string]bool `json:"statuses"`
}

func (a *app) onlineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "online [user-id...]",
		Short: "List online users, or check specific users",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.bearer()
			if err != nil {
				return err
			}
			req := a.http().R().SetContext(cmd.Context()).SetAuthToken(token)
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				var body onlineUsersResponse
				resp, err := req.SetResult(&body).Get("/api/v1/ws/online")
				if err != nil {
					return err
				}
				if err := apiError(resp); err != nil {
					return err
				}
				fmt.Fprintf(out, "%d online\n", len(body.OnlineUsers))
				if len(body.OnlineUsers) > 0 {
					fmt.Fprintln(out, strings.Join(body.OnlineUsers, "\n"))
				}
				return nil
			}

			var body onlineStatusResponse
			resp, err := req.
				SetBody(map[string][]string{"user_ids": args}).
				SetResult(&body).
				Post("/api/v1/ws/online")
			if err != nil {
				return err
			}
			if err := apiError(resp); err != nil {
				return err
			}
			for _, id := range args {
				state := offlineLabel("offline")
				if body.Statuses[id] {
					state = onlineLabel("online")
				}
				fmt.Fprintf(out, "%s\t%s\n", id, state)
			}
			return nil
		},
	}
}
