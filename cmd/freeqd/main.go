// Package main is the CLI entrypoint for freeqd. It provides subcommands
// for running the server (serve), generating TLS/federation key material
// and bot tokens (keygen), and printing version information (version).
// The serve command loads configuration, constructs every component via
// internal/server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/freeqd/freeqd/internal/config"
	"github.com/freeqd/freeqd/internal/server"
	"github.com/freeqd/freeqd/internal/transport"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "keygen":
		if err := runKeygen(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("freeqd — federated, identity-aware IRC server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  freeqd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the freeqd server")
	fmt.Println("  keygen    Generate TLS key material or a bot service token")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  freeqd.toml (or set FREEQD_CONFIG_PATH)")
	fmt.Println("  Env prefix:   FREEQD_ (e.g. FREEQD_SERVER_NAME)")
}

// runServe starts the full freeqd server: loads config, loads the
// configured TLS material for the client TLS listener and the S2S QUIC
// transport (turning both listeners off when none is configured),
// constructs every component via internal/server, and handles graceful
// shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting freeqd", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	var clientTLSConfig, s2sTLSConfig *tls.Config
	var serverID string
	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		tlsCfg, err := transport.LoadTLSConfig(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return fmt.Errorf("loading TLS material: %w", err)
		}
		clientTLSConfig = tlsCfg
		s2sTLSConfig = tlsCfg.Clone()
		s2sTLSConfig.InsecureSkipVerify = true // federation trust is fingerprint-pinned, not CA-based

		serverID = fingerprint(tlsCfg.Certificates[0].Certificate[0])
	} else {
		serverID = cfg.Server.Name
		cfg.Listen.TLS = ""
		cfg.Listen.QUIC = ""
		logger.Warn("no TLS certificate configured; federation and TLS client listeners are disabled")
	}

	srv, err := server.New(cfg, serverID, s2sTLSConfig, clientTLSConfig, logger)
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		select {
		case <-errCh:
		case <-time.After(15 * time.Second):
			logger.Warn("graceful shutdown timed out")
		}
	}

	logger.Info("freeqd stopped")
	return nil
}

// runKeygen handles the keygen subcommand: "cert" generates a self-signed
// Ed25519 TLS key pair used for both the client TLS listener and the S2S
// QUIC transport identity (the fingerprint of this certificate is the
// server's federation identity); "bot-token" generates a random bot
// service-account token and its argon2id hash for AuthConfig.BotTokenHashes.
func runKeygen() error {
	if len(os.Args) < 3 {
		fmt.Println("Usage: freeqd keygen <action>")
		fmt.Println()
		fmt.Println("Actions:")
		fmt.Println("  cert <cert-path> <key-path>   Generate a self-signed TLS/federation key pair")
		fmt.Println("  bot-token                     Generate a bot service token and its argon2id hash")
		return nil
	}

	switch os.Args[2] {
	case "cert":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: freeqd keygen cert <cert-path> <key-path>")
		}
		return generateCert(os.Args[3], os.Args[4])
	case "bot-token":
		return generateBotToken()
	default:
		return fmt.Errorf("unknown keygen action: %s", os.Args[2])
	}
}

func generateCert(certPath, keyPath string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating Ed25519 key pair: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating certificate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "freeqd"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("creating self-signed certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if _, err := transport.LeafCertificate(certPEM); err != nil {
		return fmt.Errorf("sanity-checking generated certificate: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("writing certificate to %s: %w", certPath, err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key to %s: %w", keyPath, err)
	}

	fmt.Printf("Wrote certificate to %s and key to %s\n", certPath, keyPath)
	fmt.Printf("Federation fingerprint: %s\n", fingerprint(der))
	return nil
}

func generateBotToken() error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating bot token: %w", err)
	}
	token := hex.EncodeToString(raw)

	hash, err := argon2id.CreateHash(token, argon2id.DefaultParams)
	if err != nil {
		return fmt.Errorf("hashing bot token: %w", err)
	}

	fmt.Printf("Bot token (give this to the bot, it is shown only once):\n  %s\n\n", token)
	fmt.Printf("Add this hash to auth.bot_token_hashes in freeqd.toml:\n  %s\n", hash)
	return nil
}

func fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}

func runVersion() {
	fmt.Printf("freeqd %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

func configPath() string {
	if p := os.Getenv("FREEQD_CONFIG_PATH"); p != "" {
		return p
	}
	return "freeqd.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
