// Command dstc-print-name-and-age is a port of the original dstc
// print_name_and_age example: it registers a "print_name_and_age"
// function and runs the event loop until interrupted, printing every
// name/age pair a peer queues against it.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jlrdstc/dstc"
)

func printNameAndAge(sender uint64, arg []byte) {
	if len(arg) < 36 {
		slog.Warn("print_name_and_age: short argument", "sender", sender, "len", len(arg))
		return
	}
	name := string(arg[:32])
	if idx := indexZero(name); idx >= 0 {
		name = name[:idx]
	}
	age := int32(binary.LittleEndian.Uint32(arg[32:36]))
	fmt.Printf("Name: %s\n", name)
	fmt.Printf("Age:  %d\n", age)
}

func indexZero(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return i
		}
	}
	return -1
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rt := dstc.New(dstc.WithLogger(logger))
	if err := rt.RegisterLocalFunction("print_name_and_age", printNameAndAge); err != nil {
		logger.Error("register print_name_and_age", "err", err)
		os.Exit(1)
	}

	if err := rt.Setup(); err != nil {
		logger.Error("setup", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("dstc-print-name-and-age: waiting for calls", "node_id", rt.GetNodeID())

	for ctx.Err() == nil {
		if err := rt.ProcessSingleEvent(1000); err != nil && err != dstc.ErrTimedOut {
			logger.Error("process event", "err", err)
		}
	}

	logger.Info("shutting down")
}
