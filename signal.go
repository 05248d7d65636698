package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitForSignals blocks on SIGINT/SIGTERM and pokes the pipe so the
// reactor wakes up and runs the termination handler on its own thread.
func waitForSignals(pipeFd int) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	unix.Write(pipeFd, []byte{1})
}
