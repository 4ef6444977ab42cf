package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/chat"
	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
	chatflow "github.com/zhouzirui/pneumoscan/backend/internal/service/chat"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/inference"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/session"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/upload"
)

const quitCommand = "/quit"

type options struct {
	file         string
	predictURL   string
	chatURL      string
	welcomeDelay time.Duration
	timeout      time.Duration
}

// transcript prints messages the terminal has not shown yet.
type transcript struct {
	out   io.Writer
	shown int
}

func (t *transcript) flush(sess *session.Session) {
	msgs := sess.Messages()
	for _, msg := range msgs[t.shown:] {
		who := "AI"
		if msg.Sender == chat.SenderUser {
			who = "You"
		}
		fmt.Fprintf(t.out, "[%s] %s: %s\n", msg.DisplayTime(), who, msg.Text)
	}
	t.shown = len(msgs)
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	client := inference.NewClient(opts.predictURL, opts.chatURL, opts.timeout)
	manager := session.NewManager(session.TimerScheduler{}, opts.welcomeDelay)
	uploads := upload.NewFlow(client, prediction.NewMemoryLedger(1))
	chats := chatflow.NewFlow(client)

	sess, err := manager.Create(ctx)
	if err != nil {
		return err
	}
	defer manager.Delete(context.Background(), sess.ID())

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	fmt.Fprintln(out, "PneumoScan X")
	if _, err := manager.WelcomeComplete(ctx, sess.ID()); err != nil {
		return err
	}
	err = waitForStage(ctx, events, chat.StageUpload)
	unsubscribe()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Analyzing %s...\n", filepath.Base(opts.file))
	file := &inference.Upload{Name: filepath.Base(opts.file), Data: data}
	if err := uploads.Submit(ctx, sess, file); err != nil {
		return err
	}

	view := &transcript{out: out}
	view.flush(sess)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == quitCommand {
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		if err := chats.Send(ctx, sess, line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		view.flush(sess)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func waitForStage(ctx context.Context, events <-chan chat.Event, want chat.Stage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, open := <-events:
			if !open {
				return session.ErrSessionNotFound
			}
			if event.Type == chat.EventStage && event.Stage == want {
				return nil
			}
		}
	}
}
