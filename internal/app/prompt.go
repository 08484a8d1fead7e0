package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/consultcall/internal/config"
)

// PromptInteractive walks through the settings a new folder needs and
// returns the edited config. Invalid answers fall back to the defaults.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Consultcall interactive setup")
	fmt.Fprintf(w, " Folder      : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	if askBool(in, w, "Run a relay from this folder", false) {
		cfg.Relay.Bind = askString(in, w, "Relay bind address", cfg.Relay.Bind)
		cfg.Relay.Port = askInt(in, w, "Relay port", cfg.Relay.Port)
		cfg.Relay.RingTimeoutSec = askInt(in, w, "Ring timeout seconds", cfg.Relay.RingTimeoutSec)
		cfg.Relay.CallDBPath = askString(in, w, "Call log database (empty=off)", cfg.Relay.CallDBPath)
	} else {
		cfg.Client.RelayURL = askString(in, w, "Relay URL", cfg.Client.RelayURL)
		cfg.Client.BackendURL = askString(in, w, "Backend URL", cfg.Client.BackendURL)
		cfg.Client.HTTPAddr = askString(in, w, "Console HTTP addr (empty=off)", cfg.Client.HTTPAddr)
		cfg.Client.Media = askString(in, w, "Media (devices/synthetic/none)", cfg.Client.Media)
		cfg.Client.SoundEnabled = askBool(in, w, "Play ringtones", cfg.Client.SoundEnabled)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
