package main

import (
	"github.com/joho/godotenv"

	"market-change-alerts/internal/cli"
)

func main() {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()
	cli.Execute()
}
