// Command passkeyctl is a local operator CLI for the passkey authentication
// core: it wires a Key Manager, Signer Core, ChainClient, RelayClient, and
// Storage together into one Session Orchestrator and exposes its
// register/login/sign/recover/link-device flows as subcommands, dispatched
// in a flag.FlagSet + switch style.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/web3-authn/tatchi-sub013/internal/chain"
	"github.com/web3-authn/tatchi-sub013/internal/config"
	"github.com/web3-authn/tatchi-sub013/internal/keymanager"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/metrics"
	"github.com/web3-authn/tatchi-sub013/internal/orchestrator"
	"github.com/web3-authn/tatchi-sub013/internal/relay"
	"github.com/web3-authn/tatchi-sub013/internal/signer"
	"github.com/web3-authn/tatchi-sub013/internal/storage"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return errors.New("no command specified")
	}
	cmd, rest := args[0], args[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printRootUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}
	defer env.close()

	switch cmd {
	case "register":
		return runRegister(ctx, env, rest)
	case "login":
		return runLogin(ctx, env, rest)
	case "sign":
		return runSign(ctx, env, rest)
	case "discover":
		return runDiscover(ctx, env, rest)
	case "recover":
		return runRecover(ctx, env, rest)
	case "link-device-qr":
		return runLinkDeviceQR(ctx, env, rest)
	case "link-device":
		return runLinkDevice(ctx, env, rest)
	case "relay-server":
		return runRelayServer(ctx, env, rest)
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printRootUsage() {
	fmt.Println(`passkeyctl - exercise the passkey authentication core end to end

Usage:
  passkeyctl <command> [flags]

Commands:
  register             Register a new account from a fresh demo credential
  login                Unlock an existing account's session
  sign                 Sign and broadcast a batch of actions against the unlocked account
  discover             List the credential IDs a contract has on file for an account
  recover              Re-derive an account's keypair from a chosen credential
  link-device-qr       Mint a QR payload for a second device (Device2 side)
  link-device          Consume a QR payload and link a second device (Device1 side)
  relay-server         Run the reference Shamir relay server commands above talk to

Configuration is read the same way the rest of this codebase's services read
it: via PASSKEY_ENV and the environment variables internal/config documents
(NEAR_RPC_URL, RELAY_BASE_URL, RP_ID, and friends).

Run "passkeyctl <command> -h" for the flags a specific command accepts.`)
}

// environment holds every Session Orchestrator collaborator built from cfg
// the way a real deployment's main() would, except the Store defaults to an
// in-memory one when DATABASE_URL is unset. Each command builds its own
// orchestrator.Core over these shared collaborators, varying only the
// Authenticator: register mints a fresh demo identity, login/recover rebuild
// the caller's demo identity from a --device-secret so PRF re-derives
// deterministically across process runs.
type environment struct {
	cfg         *config.Config
	logger      *logging.Logger
	metrics     *metrics.Metrics
	km          *keymanager.KeyManager
	signer      *signer.Core
	chainClient chain.Client
	relayClient *relay.Client
	store       storage.Store
	db          *sql.DB
}

func newEnvironment(cfg *config.Config) (*environment, error) {
	logger := logging.New("passkeyctl", cfg.LogLevel, cfg.LogFormat)
	m := metrics.New()

	km := keymanager.New(logger)
	sc := signer.New(km, cfg.ConfirmTimeout, logger, m)

	chainClient, err := chain.New(chain.Config{
		RPCURL:    cfg.NearRPCURL,
		NetworkID: cfg.NearNetworkID,
		Timeout:   cfg.ChainCallTimeout,
	}, logger, m)
	if err != nil {
		return nil, fmt.Errorf("build chain client: %w", err)
	}

	relayClient, err := relay.New(relay.ClientConfig{
		BaseURL:     cfg.RelayBaseURL,
		JWTSecret:   cfg.RelayJWTSecret,
		JWTAudience: cfg.RelayJWTAudience,
	}, logger, m)
	if err != nil {
		return nil, fmt.Errorf("build relay client: %w", err)
	}

	var store storage.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		store = storage.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set: using an in-memory Store (state is lost on exit)")
		store = storage.NewMemoryStore()
	}

	return &environment{
		cfg: cfg, logger: logger, metrics: m,
		km: km, signer: sc, chainClient: chainClient, relayClient: relayClient,
		store: store, db: db,
	}, nil
}

func (e *environment) close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

// buildCore assembles a Session Orchestrator over the shared collaborators
// for a single command invocation, bound to auth. enableRelayLock controls
// whether registration enrolls the VRF KEK in the Shamir 3-pass protocol
// against relay-server (requiring one to be reachable at RELAY_BASE_URL);
// left off, the VRF keypair is AEAD-encrypted under PRF-A alone, matching
// keymanager.RegisterAccountInput's documented "nil Relay disables
// enrollment" behavior.
func (e *environment) buildCore(auth orchestrator.Authenticator, enableRelayLock bool) *orchestrator.Core {
	var relayDep keymanager.RelayClient
	if enableRelayLock {
		relayDep = e.relayClient
	}
	return orchestrator.New(orchestrator.Deps{
		KM:                      e.km,
		Signer:                  e.signer,
		Chain:                   e.chainClient,
		Relay:                   relayDep,
		Store:                   e.store,
		Auth:                    auth,
		RPID:                    e.cfg.RPID,
		FreshnessWindowBlocks:   e.cfg.FreshnessWindowBlocks,
		DeviceLinkQRTTL:         e.cfg.DeviceLinkQRTTL,
		DeviceLinkPollInterval:  e.cfg.DeviceLinkPollInterval,
		DeviceLinkDeadManWindow: e.cfg.DeviceLinkDeadManWindow,
	}, e.logger, e.metrics)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
