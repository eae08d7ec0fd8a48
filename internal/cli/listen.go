package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var prettyJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func (a *app) listenCommand() *cobra.Command {
	var count int
	var pretty bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect as --user and print every event received",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := a.bearer()
			if err != nil {
				return err
			}

			wsURL := "ws" + strings.TrimPrefix(a.baseURL(), "http") + "/api/v1/ws"
			conn, _, err := websocket.Dial(cmd.Context(), wsURL, &websocket.DialOptions{
				HTTPHeader: http.Header{
					"Authorization": {"Bearer " + token},
					"User-Agent":    {userAgent},
				},
			})
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.CloseNow()
			a.log.Debug("connected", "url", wsURL, "user", a.v.GetString("user"))

			out := cmd.OutOrStdout()
			for received := 0; count <= 0 || received < count; received++ {
				_, frame, err := conn.Read(cmd.Context())
				if err != nil {
					return listenError(cmd.Context(), err)
				}
				if pretty {
					frame = indent(frame)
				}
				fmt.Fprintln(out, string(frame))
			}
			return conn.Close(websocket.StatusNormalClosure, "done")
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many events (0 = until interrupted)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent each frame")
	return cmd
}

func listenError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusGoingAway:
		return errors.New("gateway is shutting down")
	case status != -1:
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Reason != "" {
			return fmt.Errorf("connection closed (%d): %s", status, ce.Reason)
		}
		return fmt.Errorf("connection closed (%d)", status)
	}
	return err
}

// indent re-encodes frame with indentation, leaving it as is if it is not JSON
func indent(frame []byte) []byte {
	var v interface{}
	if err := prettyJSON.Unmarshal(frame, &v); err != nil {
		return frame
	}
	out, err := prettyJSON.MarshalIndent(v, "", "  ")
	if err != nil {
		return frame
	}
	return out
}
