package main

import (
	"github.com/joho/godotenv"

	"github.com/sittitep/tradetalk/app"
)

func main() {
	// .env is optional; environment variables win either way.
	godotenv.Load()

	a := app.New(nil, nil)
	a.Start()
}
