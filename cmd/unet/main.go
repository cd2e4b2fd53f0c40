package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/youta-t/flarc"
)

func main() {
	logger := log.Default()
	logger.SetPrefix("[unet] ")

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, os.Kill,
	)
	defer cancel()

	summary, err := newSummary()
	if err != nil {
		logger.Fatal(err)
	}
	check, err := newCheck()
	if err != nil {
		logger.Fatal(err)
	}
	bench, err := newBench()
	if err != nil {
		logger.Fatal(err)
	}
	predict, err := newPredict()
	if err != nil {
		logger.Fatal(err)
	}

	cmd, err := flarc.NewCommandGroup(
		"U-Net segmentation model tools",
		struct{}{},
		flarc.WithSubcommand("summary", summary),
		flarc.WithSubcommand("check", check),
		flarc.WithSubcommand("bench", bench),
		flarc.WithSubcommand("predict", predict),
	)
	if err != nil {
		logger.Fatal(err)
	}

	os.Exit(flarc.Run(ctx, cmd, flarc.WithHelp(true)))
}
