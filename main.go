package main

import (
	"log"

	"github.com/pliu/devfusion/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
