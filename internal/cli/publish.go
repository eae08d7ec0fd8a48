package cli

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"github.com/zfogg/sidechain/realtime/internal/websocket"
	"golang.org/x/term"
)

func (a *app) publishCommand() *cobra.Command {
	var to, file string

	cmd := &cobra.Command{
		Use:   "publish [event-json]",
		Short: "Publish an event to one user (--to) or to everyone",
		Long: `Publish reads an event frame such as
  {"kind":"notification:count","unread":3,"unseen":1}
from the argument, --file, or stdin, checks it locally, and posts it
to the gateway's internal publish API.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := readFrame(cmd, args, file)
			if err != nil {
				return err
			}
			e, err := websocket.DecodePublished(frame)
			if err == nil {
				err = websocket.ValidateEvent(e)
			}
			if err != nil {
				return fmt.Errorf("invalid event: %w", err)
			}

			path := "/internal/v1/events/broadcast"
			if to != "" {
				path = "/internal/v1/events/users/" + url.PathEscape(to)
			}
			a.log.Debug("publishing", "kind", e.Kind(), "path", path)

			resp, err := a.http().R().
				SetContext(cmd.Context()).
				SetHeader("X-Internal-Key", a.v.GetString("internal-key")).
				SetHeader("Content-Type", "application/json").
				SetBody(frame).
				Post(path)
			if err != nil {
				return err
			}
			if err := apiError(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", e.Kind())
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Recipient user ID; empty broadcasts")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the event from a file ('-' for stdin)")
	return cmd
}

func readFrame(cmd *cobra.Command, args []string, file string) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case file == "" || file == "-":
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return nil, errors.New("no event given: pass it as an argument, with --file, or on stdin")
		}
		return io.ReadAll(in)
	default:
		return os.ReadFile(file)
	}
}
