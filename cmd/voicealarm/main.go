package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicealarm/internal/bootstrap"
	"voicealarm/internal/logging"
	"voicealarm/internal/permission"
)

// voicealarm runs one voice-dismissal listening session, standing in for the
// alarm trigger that would start it on a device. Exit code 0 means a
// dismissal phrase was heard.
func main() {
	logging.Init()

	services, err := bootstrap.Build(permission.StaticPrompt(true))
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicealarm: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		services.Controller.StopListening()
		cancel()
	}()

	updates, unsubscribe := services.Broadcaster.Subscribe(8)
	defer unsubscribe()
	go func() {
		for snapshot := range updates {
			if snapshot.RecognizedText != "" {
				fmt.Printf("heard: %q\n", snapshot.RecognizedText)
			}
		}
	}()

	fmt.Printf("listening for %s (say one of %v)\n",
		services.Config.Session.ListenTimeout, services.Controller.GetDismissKeywords())

	start := time.Now()
	matched, err := services.Controller.StartAlarmDismissListening(ctx, 0)
	switch {
	case matched:
		fmt.Printf("dismissed after %s: %q\n",
			time.Since(start).Round(time.Millisecond),
			services.Broadcaster.Snapshot().DetectedDismissKeyword)
	case err != nil:
		fmt.Fprintf(os.Stderr, "voicealarm: session failed: %v\n", err)
		os.Exit(1)
	default:
		fmt.Println("no dismissal phrase heard")
		os.Exit(1)
	}
}
