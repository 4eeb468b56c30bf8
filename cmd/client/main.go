package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/omochice/keyrelay/internal/client"
	"github.com/omochice/keyrelay/pkg/protocol"
)

var (
	flagAddr      string
	flagRoom      string
	flagUser      string
	flagPassword  string
	flagWebSocket bool
	flagPath      string
	flagFraming   string
)

var rootCmd = &cobra.Command{
	Use:   "keyrelay-client",
	Short: "Protocol test client for the keyrelay server",
	Long: `keyrelay-client generates a throwaway ECDSA key pair, performs the relay
handshake and joins a room. Every stdin line is sent to the room as is and
every received frame is printed. Type /leave to leave the room.

Examples:
  keyrelay-client --room lobby --user alice --password secret
  keyrelay-client --addr relay.example:12345 --websocket --room lobby --user bob --password secret`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "localhost:12345", "relay server address")
	rootCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room to join or create")
	rootCmd.Flags().StringVarP(&flagUser, "user", "u", "", "username shown to the room")
	rootCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "room password")
	rootCmd.Flags().BoolVar(&flagWebSocket, "websocket", false, "connect over WebSocket")
	rootCmd.Flags().StringVar(&flagPath, "path", "/ws", "WebSocket path")
	rootCmd.Flags().StringVar(&flagFraming, "framing", "raw", "raw TCP framing: raw or varint")
	for _, name := range []string{"room", "user", "password"} {
		rootCmd.MarkFlagRequired(name)
	}
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	framing, err := protocol.ParseFraming(flagFraming)
	if err != nil {
		return err
	}
	if strings.Contains(flagRoom+flagUser+flagPassword, protocol.Separator) {
		return fmt.Errorf("room, user and password must not contain %q", protocol.Separator)
	}

	c, err := client.Dial(ctx, flagAddr, client.Options{
		WebSocket:   flagWebSocket,
		Path:        flagPath,
		Framing:     framing,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	_, pub, err := client.GenerateKey()
	if err != nil {
		return err
	}
	if err := c.Handshake(pub); err != nil {
		return err
	}
	fmt.Println(mutedStyle.Render("your key " + fingerprint(pub)))

	reply, err := c.Join(flagRoom, flagUser, flagPassword, 10*time.Second)
	if err != nil {
		if errors.Is(err, client.ErrAuthFailed) {
			return errors.New(string(reply))
		}
		return err
	}
	printFrame(reply)

	done := make(chan error, 1)
	go func() { done <- receiveLoop(c) }()
	go sendLoop(c, os.Stdin)

	err = <-done
	if errors.Is(err, io.EOF) {
		fmt.Println(mutedStyle.Render("connection closed by server"))
		return nil
	}
	return err
}

func receiveLoop(c *client.Client) error {
	for {
		frame, err := c.Receive(0)
		if err != nil {
			return err
		}
		printFrame(frame)
	}
}

func sendLoop(c *client.Client, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var err error
		if line == "/leave" {
			err = c.Leave()
		} else {
			err = c.Send([]byte(line))
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+err.Error()))
			return
		}
	}
	// stdin closed: drop the connection, which the server treats as a silent disconnect.
	c.Close()
}

func printFrame(frame []byte) {
	switch protocol.Classify(frame) {
	case protocol.FrameTypePublicKey:
		fmt.Println(infoStyle.Render("peer key " + fingerprint(frame)))
	case protocol.FrameTypeRoomCreated, protocol.FrameTypeRoomJoined:
		fmt.Println(successStyle.Render(textAfterHeader(frame)))
	case protocol.FrameTypeLeaveConfirmation:
		fmt.Println(successStyle.Render("left the room"))
	case protocol.FrameTypeClientLeft:
		if host, port, err := protocol.ParseClientLeft(frame); err == nil {
			fmt.Println(warnStyle.Render(fmt.Sprintf("%s:%s left the room", host, port)))
			return
		}
		fmt.Println(warnStyle.Render(string(frame)))
	case protocol.FrameTypeError:
		fmt.Println(errorStyle.Render(string(frame)))
	default:
		fmt.Printf("%s %q\n", mutedStyle.Render(time.Now().Format("15:04:05")), frame)
	}
}

func textAfterHeader(frame []byte) string {
	fields := strings.SplitN(string(frame), protocol.Separator, 3)
	return fields[len(fields)-1]
}
