package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tasksync/internal/config"
)

// command starts its work and returns a stop func. A nil stop func means the
// work is already done.
type command func(ctx context.Context) func()

type commandRegistry map[string]command

var commands = commandRegistry{
	"noop": noopCmd,
	"sync": syncCmd,
	"once": onceCmd,
}

func Run() {
	cmd := config.Gist().String(config.CMD)
	cmdFn, ok := commands[cmd]
	if !ok {
		help()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doneCh := make(chan os.Signal, 1)
	signal.Notify(doneCh, os.Interrupt, syscall.SIGTERM)
	stop := cmdFn(ctx)
	if stop == nil {
		return
	}
	<-doneCh
	cancel()
	stop()
}

func help() {
	fmt.Println("Usage: tasksync --cmd [command]")
	fmt.Println("Commands: noop, sync, once")
	fmt.Println("Example: tasksync --cmd once --caldav.url https://dav.example.com/")
	fmt.Println("Config params (name|required|default):\v")
	fmt.Println(config.Sprint())
}
