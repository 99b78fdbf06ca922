package main

import (
	"log"

	"github.com/MrSnakeDoc/minienv/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatalf("❌ minienv failed to start: %v", err)
	}
	if err := a.Run(); err != nil {
		log.Fatalf("❌ minienv stopped with error: %v", err)
	}
}
