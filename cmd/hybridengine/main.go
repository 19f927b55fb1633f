// Command hybridengine is the entry point for the hybrid order routing and
// settlement engine. It loads configuration, validates it, sets up signal
// handling, and starts the application in the configured mode.
//
// With -encrypt-key it instead writes an encrypted signing key file and exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/alanyoungcy/hybridengine/internal/app"
	"github.com/alanyoungcy/hybridengine/internal/config"
	"github.com/alanyoungcy/hybridengine/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptKey := flag.Bool("encrypt-key", false, "encrypt a hex private key into a key file and exit")
	keyOut := flag.String("key-out", "", "key file to write with -encrypt-key (default chain.encrypted_key_path)")
	noWatch := flag.Bool("no-watch", false, "disable config hot reload")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if *encryptKey {
		if err := writeKeyFile(cfg, *keyOut); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("hybrid engine starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", cfg.Redacted()),
	)

	watchPath := *configPath
	if *noWatch {
		watchPath = ""
	}
	application := app.New(cfg, watchPath, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("hybrid engine stopped")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// writeKeyFile encrypts the signing key. The key and password come from
// HYBRID_CHAIN_PRIVATE_KEY and HYBRID_CHAIN_KEY_PASSWORD when set, otherwise
// they are read from stdin.
func writeKeyFile(cfg *config.Config, out string) error {
	if out == "" {
		out = cfg.Chain.EncryptedKeyPath
	}
	if out == "" {
		return errors.New("no output path: pass -key-out or set chain.encrypted_key_path")
	}

	in := bufio.NewReader(os.Stdin)
	key := cfg.Chain.PrivateKey
	if key == "" {
		var err error
		if key, err = prompt(in, "private key (hex): "); err != nil {
			return err
		}
	}
	password := cfg.Chain.KeyPassword
	if password == "" {
		var err error
		if password, err = prompt(in, "password: "); err != nil {
			return err
		}
		confirm, err := prompt(in, "repeat password: ")
		if err != nil {
			return err
		}
		if confirm != password {
			return errors.New("passwords do not match")
		}
	}

	if err := crypto.WriteKeyFile(out, strings.TrimPrefix(key, "0x"), password); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", out)
	return nil
}

// prompt reads one secret line, without echo when stdin is a terminal.
func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}
