package cli

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/term"
)

// PasswordEnv holds the operator password for non interactive use.
const PasswordEnv = "ABMONITOR_PASSWORD"

func promptPassword() (string, error) {
	var input *os.File
	var err error

	if runtime.GOOS == "windows" {
		input = os.Stdin
	} else {
		input, err = os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			return "", fmt.Errorf("no terminal available for password prompt, set %s instead", PasswordEnv)
		}
		defer input.Close()
	}

	fmt.Fprint(input, "🔑 Password: ")
	passwordBytes, err := term.ReadPassword(int(input.Fd()))
	fmt.Fprintln(input) // add newline after password prompt
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(passwordBytes), nil
}

func adminPassword() (string, error) {
	if p := os.Getenv(PasswordEnv); p != "" {
		return p, nil
	}
	return promptPassword()
}
