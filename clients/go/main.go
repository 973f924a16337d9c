// groupchat-client - line-mode terminal client for the group chat protocol
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/eldtechnologies/groupchat/clients/go/chat"
	"github.com/eldtechnologies/groupchat/internal/protocol"
)

func main() {
	if len(os.Args) != 3 {
		usage()
		os.Exit(1)
	}
	host, portStr := os.Args[1], os.Args[2]

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", portStr, err)
		os.Exit(1)
	}
	if net.ParseIP(host) == nil {
		fmt.Fprintf(os.Stderr, "%s is not an IPv4 or an IPv6 address\n", host)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := chat.Dial(dialCtx, net.JoinHostPort(host, strconv.FormatUint(port, 10)))
	cancel()
	exitOnError(err)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := client.Receive()
			if err != nil {
				if !errors.Is(err, protocol.ErrPeerClosed) && ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
				}
				fmt.Println("Server closed the connection.")
				return
			}
			fmt.Println(msg)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := client.Send(line + "\n"); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				return
			}
		}
		stop()
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: groupchat-client <ip address> <port>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Each line typed is sent as one frame; received frames are printed.")
	fmt.Fprintln(os.Stderr, "Chat commands: /h /ul /u <name> /w <name> <message>")
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
