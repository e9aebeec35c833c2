package main

import (
	"log"
	"os"

	"github.com/update-agent-project/uparun/internal/cli"
)

func main() {
	app := cli.NewApp()
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
