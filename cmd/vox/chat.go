package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/vox/internal/agent/config"
	"github.com/neboloop/vox/internal/voice"
)

// consoleSpeaker "narrates" by printing. It stands in for TTS on a terminal.
type consoleSpeaker struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsoleSpeaker(w io.Writer) *consoleSpeaker {
	return &consoleSpeaker{w: w}
}

func (c *consoleSpeaker) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "vox> %s\n", strings.TrimSpace(text))
	return err
}

func (c *consoleSpeaker) Stop() {}

// ChatCmd creates the chat command
func ChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Talk to the assistant from the terminal",
		Long: `Sends typed requests through the same interactive session the voice front end
uses. Without a prompt, starts a line-by-line conversation.

Examples:
  vox chat "What time is it?"
  vox chat
  vox chat "remind me to stretch in 20 minutes"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *ServerConfig
			// No microphone to protect from echo on a terminal.
			c.SpeakingSettle = 10 * time.Millisecond
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, &c, args, os.Stdin, os.Stdout)
		},
	}
	return cmd
}

func runChat(ctx context.Context, c *config.Config, args []string, in io.Reader, out io.Writer) error {
	a, err := newApp(ctx, c, appOptions{
		Speaker: newConsoleSpeaker(out),
		OnAlert: func(msg string) { fmt.Fprintf(out, "vox! %s\n", msg) },
	})
	if err != nil {
		return err
	}
	defer a.close()
	return chatLoop(ctx, a.session, args, in, out)
}

func chatLoop(ctx context.Context, s *voice.Session, args []string, in io.Reader, out io.Writer) error {
	// anything background runs left behind is read out first
	if _, err := s.Resume(ctx); err != nil {
		return err
	}
	if err := s.WaitIdle(ctx); err != nil {
		return err
	}

	if len(args) > 0 {
		return turn(ctx, s, strings.Join(args, " "))
	}

	fmt.Fprintln(out, "Type a request. /clear forgets the conversation, /quit leaves.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			s.ClearHistory()
			fmt.Fprintln(out, "Conversation cleared.")
			continue
		}
		if err := turn(ctx, s, line); err != nil {
			return err
		}
	}
}

func turn(ctx context.Context, s *voice.Session, text string) error {
	err := s.Submit(ctx, text)
	if errors.Is(err, voice.ErrBusy) {
		if err = s.WaitIdle(ctx); err == nil {
			err = s.Submit(ctx, text)
		}
	}
	if err != nil {
		return err
	}
	return s.WaitIdle(ctx)
}
