package main

import (
	"context"

	"chatlink/internal"
	"chatlink/pkg/log"
)

func main() {
	app := internal.NewApp()

	if err := app.Setup(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}
