package main

import (
	"fmt"
	"os"
	"strings"

	"chatrelay/internal/infra/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := "serve"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "--help" {
			cmd = "help"
		}
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "chat":
		err = runChat()
	case "encrypt":
		err = runEncrypt(os.Stdin, os.Stdout)
	case "version":
		fmt.Println("chatrelay", version)
	case "help":
		showUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatrelay --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chatrelay - streaming chat relay for OpenAI-compatible models

USAGE:
    chatrelay [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the web server (default)
    chat        Open the terminal client
    encrypt     Encrypt a secret for the config file
    version     Print the version

FLAGS:
    -h, --help          Show this help message
    --config PATH       Config file (default: ./chatrelay.yaml)
    --server URL        chat: relay server to talk to instead of the provider
    --model ID          chat: model to start with

CONFIGURATION:
    Config file: ./chatrelay.yaml, or $CHATRELAY_CONFIG
    Environment: CHATRELAY_* variables override the file
    Secrets written as "enc:..." are decrypted with $CHATRELAY_CONFIG_KEY

EXAMPLES:
    chatrelay                                  # Serve on 127.0.0.1:3000
    chatrelay chat                             # Talk to the provider directly
    chatrelay chat --server http://host:3000   # Talk through a relay
    CHATRELAY_CONFIG_KEY=... chatrelay encrypt # Read a secret from stdin`)
}

// flagValue returns the value of --name or --name=value from args.
func flagValue(args []string, name string) string {
	long := "--" + name
	for i, arg := range args {
		if arg == long && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, long+"="); ok {
			return v
		}
	}
	return ""
}

func configPath() string {
	if p := flagValue(os.Args[1:], "config"); p != "" {
		return p
	}
	if p := os.Getenv("CHATRELAY_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}
