package cli

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/evolvechat/evolvechat/internal/protocol"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to a server and chat from the terminal",
		Long: `Opens a WebSocket connection to the server and relays stdin lines as
chat input. Lines starting with / are commands (/list, /join <room>,
/quit <room>, /name <name>); everything else is sent to the current room.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagToken == "" {
				return fmt.Errorf("token is required (use -t or EVOLVECHAT_TOKEN)")
			}
			return runChat(flagServer, flagToken)
		},
	}
	return cmd
}

func runChat(serverURL, token string) error {
	wsURL, err := buildWSURL(serverURL, token)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "connecting to %s ...\n", serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					fmt.Fprintf(os.Stderr, "read error: %v\n", err)
				}
				return
			}
			printFrame(string(data))
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			return nil
		case <-interrupt:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// printFrame renders one server frame for the terminal.
func printFrame(frame string) {
	switch {
	case strings.HasPrefix(frame, protocol.PrefixMessage):
		if env, ok := protocol.ParseEnvelope(frame); ok {
			fmt.Printf("[%s] %s <%s>: %s\n", env.Room, env.Time, env.FromName, env.Content)
			return
		}
		fmt.Println(frame)
	case strings.HasPrefix(frame, protocol.PrefixUpdateSession):
		fmt.Fprintf(os.Stderr, "* session: %s\n", strings.TrimPrefix(frame, protocol.PrefixUpdateSession))
	case strings.HasPrefix(frame, protocol.PrefixUpdateRooms):
		fmt.Fprintf(os.Stderr, "* rooms: %s\n", strings.TrimPrefix(frame, protocol.PrefixUpdateRooms))
	default:
		fmt.Println(frame)
	}
}

// buildWSURL turns the HTTP server URL into the upgrade endpoint URL.
func buildWSURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/" + token
	return u.String(), nil
}
