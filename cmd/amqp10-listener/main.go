// Command amqp10-listener accepts AMQP 1.0 connections and logs the body of
// every message sent to it. It is a thin demo consumer of the engine
// package, not part of its API surface.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"

	"github.com/wirerail/amqp10"
	"github.com/wirerail/amqp10/internal/debug"
)

func main() {
	addr := flag.String("addr", "localhost:5672", "address to listen on")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		debug.RegisterLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug - 3}))
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("amqp10-listener: listen: %v", err)
	}
	log.Printf("amqp10-listener: listening on %s", ln.Addr())

	for {
		nc, err := ln.Accept()
		if err != nil {
			log.Printf("amqp10-listener: accept: %v", err)
			continue
		}
		go handleConn(nc)
	}
}

func handleConn(nc net.Conn) {
	ctx := context.Background()

	conn, err := amqp.Accept(ctx, nc)
	if err != nil {
		log.Printf("amqp10-listener: handshake: %v", err)
		return
	}
	defer conn.Close()

	acceptor := amqp.NewSessionAcceptor()
	for {
		session, err := acceptor.Accept(ctx, conn)
		if err != nil {
			log.Printf("amqp10-listener: session: %v", err)
			return
		}
		go handleSession(ctx, session)
	}
}

func handleSession(ctx context.Context, session *amqp.Session) {
	acceptor := amqp.NewLinkAcceptor()

	for {
		incoming, err := acceptor.Accept(ctx, session)
		if err != nil {
			log.Printf("amqp10-listener: accept link: %v", err)
			return
		}

		receiver, err := incoming.AcceptAsReceiver(nil)
		if err != nil {
			log.Printf("amqp10-listener: only inbound (sender-role) links are served: %v", err)
			_ = incoming.Reject(&amqp.Error{Condition: amqp.ErrCondNotImplemented})
			continue
		}
		go handleReceiver(ctx, receiver)
	}
}

func handleReceiver(ctx context.Context, receiver *amqp.Receiver) {
	defer receiver.Close(ctx)

	for {
		msg, err := receiver.Receive(ctx)
		if err != nil {
			log.Printf("amqp10-listener: receive on %q: %v", receiver.LinkName(), err)
			return
		}
		log.Printf("amqp10-listener: received: %s", msg.GetData())
		if err := receiver.AcceptMessage(ctx, msg); err != nil {
			log.Printf("amqp10-listener: accept disposition: %v", err)
			return
		}
	}
}
