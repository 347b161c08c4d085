package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
)

// reflectCmd handles the generic "services", "methods" and "call" commands
// against the server's reflection endpoint.
func reflectCmd(ctx context.Context, conn *grpc.ClientConn, command string, args []string) {
	client := grpcreflect.NewClientAuto(ctx, conn)
	defer client.Reset()
	source := grpcurl.DescriptorSourceFromServer(ctx, client)

	switch command {
	case "services":
		services, err := grpcurl.ListServices(source)
		if err != nil {
			fatal("list services", err)
		}
		fmt.Println(strings.Join(services, "\n"))
	case "methods":
		if len(args) < 1 {
			fatal("methods", fmt.Errorf("missing service name"))
		}
		methods, err := grpcurl.ListMethods(source, args[0])
		if err != nil {
			fatal("list methods", err)
		}
		fmt.Println(strings.Join(methods, "\n"))
	case "call":
		invoke(ctx, conn, source, args)
	}
}

func invoke(ctx context.Context, conn *grpc.ClientConn, source grpcurl.DescriptorSource, args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	data := flags.String("data", "", "JSON request body")
	_ = flags.Parse(args)
	if flags.NArg() < 1 {
		fatal("call", fmt.Errorf("missing method (service/method)"))
	}

	parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, source, requestBody(*data), grpcurl.FormatOptions{})
	if err != nil {
		fatal("parse request", err)
	}
	handler := grpcurl.NewDefaultEventHandler(os.Stdout, source, formatter, false)
	if err := grpcurl.InvokeRPC(ctx, source, conn, flags.Arg(0), nil, handler, parser.Next); err != nil {
		fatal("invoke", err)
	}
	if handler.Status != nil && handler.Status.Err() != nil {
		fatal("invoke", handler.Status.Err())
	}
}

// requestBody prefers --data, then piped stdin, then an empty object.
func requestBody(data string) io.Reader {
	if data != "" {
		return strings.NewReader(data)
	}
	if info, err := os.Stdin.Stat(); err == nil && info.Mode()&os.ModeCharDevice == 0 {
		return os.Stdin
	}
	return strings.NewReader("{}")
}
