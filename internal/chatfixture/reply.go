package chatfixture

import (
	"fmt"
	"strings"
)

// Reply returns the assistant's answer to a message of n tokens. The answer
// is a pure function of its inputs so streams are reproducible in tests.
func Reply(message string, n int) string {
	message = strings.Join(strings.Fields(message), " ")
	unit := "tokens"
	if n == 1 {
		unit = "token"
	}
	return fmt.Sprintf("You said \"%s\". That message is %d %s long.", message, n, unit)
}

// Chunks splits a reply after each space; joining them gives back the reply.
func Chunks(reply string) []string {
	if reply == "" {
		return nil
	}
	return strings.SplitAfter(reply, " ")
}
