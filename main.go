package main

import (
	"github.com/joho/godotenv"

	"sjsage522/shopwatch/cmd"
)

func main() {
	// Load environment variables
	godotenv.Load()

	cmd.Execute()
}
