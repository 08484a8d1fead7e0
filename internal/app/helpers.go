package app

import (
	"log"
	"strings"
)

// NormalizeLocalConsole keeps the console on localhost and returns the
// listen address and the browser URL.
func NormalizeLocalConsole(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(mode, dir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Printf("Consultcall %s", mode)
	log.Printf(" Folder      : %s", dir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" This process represents ONE participant or relay.")
	log.Println(" The folder holds its config, state and call log.")
	log.Println("────────────────────────────────────────")
}
