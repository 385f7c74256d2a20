package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andy6609/chatdir/internal/cipher"
	"github.com/andy6609/chatdir/internal/client"
	"github.com/andy6609/chatdir/internal/protocol"
)

const help = `commands:
  /list                      refresh and print the room list
  /create <alias> <port> [capacity]
  /join <alias> | /join #<n> join a room by name or list index
  /who                       show the current room
  /leave                     leave the current room
  /kick <handle>             host only
  /ban <handle>              host only
  /shutdown                  host only, close the room
  /quit
anything else is sent to the current room`

func main() {
	addr := flag.String("addr", fmt.Sprintf("127.0.0.1:%d", protocol.DefaultDirectoryPort), "directory address")
	handle := flag.String("handle", "", "user handle (3-20 characters)")
	cipherName := flag.String("cipher", "xor", "message cipher: xor, chacha20 or none")
	cipherKey := flag.String("key", "", "cipher passphrase for chacha20")
	verbose := flag.Bool("v", false, "log protocol activity to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	c, err := cipher.New(*cipherName, *cipherKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := bufio.NewScanner(os.Stdin)
	sess := client.New(client.Options{Addr: *addr, Cipher: c, Logger: logger})
	if err := sess.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	name := *handle
	for {
		if name == "" {
			fmt.Print("handle: ")
			if !in.Scan() {
				return
			}
			name = strings.TrimSpace(in.Text())
		}
		err := sess.Handshake(ctx, name)
		if err == nil {
			break
		}
		fmt.Println("!", err)
		name = ""
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sess.Disconnect(dctx)
		cancel()
	}()

	go printEvents(sess)
	fmt.Printf("connected as %s, /help for commands\n", sess.User().Handle)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !run(ctx, sess, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

func printEvents(sess *client.Session) {
	for ev := range sess.Events() {
		switch ev.Type {
		case client.EventMessage:
			fmt.Printf("[%s] %s: %s\n", ev.Room, ev.From.Handle, ev.Text)
		case client.EventKicked:
			fmt.Printf("* you were kicked from %s\n", ev.Room)
		case client.EventBanned:
			fmt.Printf("* you were banned from %s\n", ev.Room)
		case client.EventRoomClosed:
			fmt.Printf("* room %s closed\n", ev.Room)
		}
	}
}

// run executes one input line. It returns false on /quit.
func run(ctx context.Context, sess *client.Session, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		report(sess.SendRoomMessage(ctx, line))
		return true
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return false
	case "/help":
		fmt.Println(help)
	case "/list":
		rooms, err := sess.RequestRoomList(ctx)
		if report(err) {
			return true
		}
		if len(rooms) == 0 {
			fmt.Println("no rooms online")
		}
		for i, r := range rooms {
			fmt.Printf("#%d %-20s port %-5d %d/%d host %s\n", i, r.Alias, r.Port, len(r.Members), r.Capacity, r.Host.Handle)
		}
	case "/create":
		if len(fields) < 3 {
			fmt.Println("usage: /create <alias> <port> [capacity]")
			return true
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			fmt.Println("! port must be a number")
			return true
		}
		capacity := 0
		if len(fields) > 3 {
			capacity, _ = strconv.Atoi(fields[3])
		}
		rm, err := sess.CreateRoom(ctx, fields[1], port, capacity)
		if report(err) {
			return true
		}
		fmt.Printf("room %s is up on port %d\n", rm.Alias, rm.Port)
		_, err = sess.JoinRoom(ctx, rm)
		report(err)
	case "/join":
		if len(fields) != 2 {
			fmt.Println("usage: /join <alias> | /join #<n>")
			return true
		}
		var (
			rm  protocol.Room
			err error
		)
		if idx, ok := strings.CutPrefix(fields[1], "#"); ok {
			n, convErr := strconv.Atoi(idx)
			if convErr != nil {
				fmt.Println("! bad index")
				return true
			}
			rm, err = sess.JoinRoomByIndex(ctx, n)
		} else {
			rm, err = sess.JoinRoomByAlias(ctx, fields[1])
		}
		if report(err) {
			return true
		}
		fmt.Printf("joined %s (%d/%d)\n", rm.Alias, len(rm.Members), rm.Capacity)
	case "/who":
		rm, err := sess.RoomInfo(ctx)
		if report(err) {
			return true
		}
		for i, m := range rm.Members {
			mark := ""
			// the host is always listed first
			if i == 0 {
				mark = " (host)"
			}
			fmt.Printf("  %s%s\n", m.Handle, mark)
		}
	case "/leave":
		sess.Leave()
	case "/kick", "/ban":
		if len(fields) != 2 {
			fmt.Printf("usage: %s <handle>\n", fields[0])
			return true
		}
		if fields[0] == "/kick" {
			report(sess.Kick(ctx, fields[1]))
		} else {
			report(sess.Ban(ctx, fields[1]))
		}
	case "/shutdown":
		report(sess.ShutdownRoom(ctx))
	default:
		fmt.Println("unknown command, /help for a list")
	}
	return true
}

func report(err error) bool {
	if err != nil {
		fmt.Println("!", err)
		return true
	}
	return false
}
