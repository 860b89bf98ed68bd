package main

import (
	"log"

	"github.com/kuvisor/kuvisor/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
