package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/web3-authn/tatchi-sub013/internal/orchestrator"
	"github.com/web3-authn/tatchi-sub013/internal/ratelimit"
	"github.com/web3-authn/tatchi-sub013/internal/relay"
	"github.com/web3-authn/tatchi-sub013/internal/shamir"
	"github.com/web3-authn/tatchi-sub013/internal/signer"
)

// demoAuthFor builds the demo Authenticator a command should drive the
// orchestrator with: a fresh identity for register, or one rebuilt from a
// previously printed --device-secret for every command that needs to
// re-derive PRF output for an account that already exists.
func demoAuthFor(deviceSecretHex string) (*demoAuthenticator, error) {
	if deviceSecretHex == "" {
		return newDemoAuthenticator()
	}
	return newDemoAuthenticatorFromSeed(deviceSecretHex)
}

// formatExponentPair and parseExponentPair round-trip the client's half of
// the Shamir 3-pass exponent pair through a flag value. The Key Manager
// never persists this pair server-side (it is the client's own unlock
// secret); passkeyctl's only way to carry it from one invocation to the
// next is for the operator to copy it themselves, the same way
// --device-secret carries the demo credential.
func formatExponentPair(p *shamir.ExponentPair) string {
	if p == nil {
		return ""
	}
	return p.E.Text(16) + ":" + p.D.Text(16)
}

func parseExponentPair(s string) (*shamir.ExponentPair, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("--client-unlock-exponent must be \"e:d\" hex")
	}
	e, ok := new(big.Int).SetString(parts[0], 16)
	if !ok {
		return nil, fmt.Errorf("--client-unlock-exponent: invalid e")
	}
	d, ok := new(big.Int).SetString(parts[1], 16)
	if !ok {
		return nil, fmt.Errorf("--client-unlock-exponent: invalid d")
	}
	return &shamir.ExponentPair{E: e, D: d}, nil
}

func runRegister(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("register")
	var accountID string
	var relayLock bool
	fs.StringVar(&accountID, "account", "", "Account ID to register (required)")
	fs.BoolVar(&relayLock, "relay-lock", false, "Enroll the VRF KEK in the Shamir 3-pass protocol against relay-server")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("account", accountID); err != nil {
		return err
	}

	auth, err := demoAuthFor("")
	if err != nil {
		return err
	}
	core := env.buildCore(auth, relayLock)

	result, err := core.Register(ctx, accountID)
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s\npublicKey: %s\n", result.AccountID, result.PublicKey)
	fmt.Printf("device-secret: %s\n", auth.seedHex())
	fmt.Println("(save --device-secret to reuse this demo identity in a later login/recover invocation)")
	if result.ClientUnlockExponent != nil {
		fmt.Printf("client-unlock-exponent: %s\n", formatExponentPair(result.ClientUnlockExponent))
		fmt.Println("(the Key Manager never persists this value; save it too, and pass it back via --client-unlock-exponent on every login/sign/link-device invocation for this account)")
	}
	return nil
}

func runLogin(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("login")
	var accountID, deviceSecretHex, clientUnlockExponentHex string
	var relayLock bool
	fs.StringVar(&accountID, "account", "", "Account ID to log in (required)")
	fs.StringVar(&deviceSecretHex, "device-secret", "", "Hex device secret printed by register (required)")
	fs.StringVar(&clientUnlockExponentHex, "client-unlock-exponent", "", `"e:d" hex pair printed by register, if it enrolled a relay lock`)
	fs.BoolVar(&relayLock, "relay-lock", false, "The registered account enrolled a relay lock and needs one to unlock")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("account", accountID); err != nil {
		return err
	}
	if err := requireFlag("device-secret", deviceSecretHex); err != nil {
		return err
	}
	clientUnlockExponent, err := parseExponentPair(clientUnlockExponentHex)
	if err != nil {
		return err
	}

	auth, err := demoAuthFor(deviceSecretHex)
	if err != nil {
		return err
	}
	core := env.buildCore(auth, relayLock)

	state, err := core.Login(ctx, accountID, clientUnlockExponent)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in %s\npublicKey: %s\nloggedInAtMs: %d\n", state.AccountID, state.Ed25519PublicKey, state.LoggedInAtMs)
	return nil
}

func runSign(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("sign")
	var accountID, deviceSecretHex, clientUnlockExponentHex, method, argsJSON, gas, deposit, waitUntil string
	var relayLock bool
	fs.StringVar(&accountID, "account", "", "Account ID to unlock and sign with (required)")
	fs.StringVar(&deviceSecretHex, "device-secret", "", "Hex device secret printed by register (required)")
	fs.StringVar(&clientUnlockExponentHex, "client-unlock-exponent", "", `"e:d" hex pair printed by register, if it enrolled a relay lock`)
	fs.BoolVar(&relayLock, "relay-lock", false, "The registered account enrolled a relay lock and needs one to unlock")
	fs.StringVar(&method, "method", "", "FunctionCall method name (required)")
	fs.StringVar(&argsJSON, "args", "{}", "FunctionCall args, as a JSON object")
	fs.StringVar(&gas, "gas", "30000000000000", "Gas, as a decimal u64 string")
	fs.StringVar(&deposit, "deposit", "0", "Deposit, in yoctoNEAR, as a decimal u128 string")
	fs.StringVar(&waitUntil, "wait-until", "", "NEAR tx execution wait status (defaults to the chain client's own default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("account", accountID); err != nil {
		return err
	}
	if err := requireFlag("device-secret", deviceSecretHex); err != nil {
		return err
	}
	if err := requireFlag("method", method); err != nil {
		return err
	}
	if !json.Valid([]byte(argsJSON)) {
		return fmt.Errorf("--args must be valid JSON")
	}
	clientUnlockExponent, err := parseExponentPair(clientUnlockExponentHex)
	if err != nil {
		return err
	}

	auth, err := demoAuthFor(deviceSecretHex)
	if err != nil {
		return err
	}
	core := env.buildCore(auth, relayLock)
	if _, err := core.Login(ctx, accountID, clientUnlockExponent); err != nil {
		return fmt.Errorf("unlock account before signing: %w", err)
	}

	outcomes, err := core.SignAndSendTransactions(ctx, accountID, [][]signer.ActionRequest{
		{{
			Kind:       signer.ActionFunctionCall,
			MethodName: method,
			ArgsJSON:   json.RawMessage(argsJSON),
			Gas:        gas,
			Deposit:    deposit,
		}},
	}, waitUntil)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		fmt.Printf("txHash: %s\n", o.TxHash)
	}
	return nil
}

func runDiscover(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("discover")
	var accountID string
	fs.StringVar(&accountID, "account", "", "Account ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("account", accountID); err != nil {
		return err
	}

	auth, err := demoAuthFor("")
	if err != nil {
		return err
	}
	core := env.buildCore(auth, false)

	summaries, err := core.DiscoverCredentials(ctx, accountID)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		fmt.Printf("%s\t%s\n", s.CredentialID, s.DisplayName)
	}
	return nil
}

func runRecover(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("recover")
	var accountID, credentialID, deviceSecretHex string
	var relayLock bool
	fs.StringVar(&accountID, "account", "", "Account ID to recover (required)")
	fs.StringVar(&credentialID, "credential", "", "Credential ID chosen from discover (required)")
	fs.StringVar(&deviceSecretHex, "device-secret", "", "Hex device secret printed by register (required)")
	fs.BoolVar(&relayLock, "relay-lock", false, "The original registration enrolled a relay lock")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("account", accountID); err != nil {
		return err
	}
	if err := requireFlag("credential", credentialID); err != nil {
		return err
	}
	if err := requireFlag("device-secret", deviceSecretHex); err != nil {
		return err
	}

	auth, err := demoAuthFor(deviceSecretHex)
	if err != nil {
		return err
	}
	core := env.buildCore(auth, relayLock)

	result, err := core.Recover(ctx, accountID, credentialID)
	if err != nil {
		return err
	}
	fmt.Printf("Recovered %s\npublicKey: %s\n", result.AccountID, result.PublicKey)
	return nil
}

func runLinkDeviceQR(_ context.Context, env *environment, args []string) error {
	fs := newFlagSet("link-device-qr")
	var accountID, device2PublicKey string
	fs.StringVar(&accountID, "account", "", "Account ID the new device is joining (optional)")
	fs.StringVar(&device2PublicKey, "device2-public-key", "", "Device2's own NEAR public key, ed25519:<base58> (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("device2-public-key", device2PublicKey); err != nil {
		return err
	}

	auth, err := demoAuthFor("")
	if err != nil {
		return err
	}
	core := env.buildCore(auth, false)

	qr, err := core.GenerateDeviceLinkQR(accountID, device2PublicKey)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(qr)
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

func runLinkDevice(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("link-device")
	var accountID, deviceSecretHex, clientUnlockExponentHex, qrFile string
	var relayLock bool
	fs.StringVar(&accountID, "account", "", "The already-logged-in account linking the new device (required)")
	fs.StringVar(&deviceSecretHex, "device-secret", "", "Hex device secret printed by register (required)")
	fs.StringVar(&clientUnlockExponentHex, "client-unlock-exponent", "", `"e:d" hex pair printed by register, if it enrolled a relay lock`)
	fs.BoolVar(&relayLock, "relay-lock", false, "The registered account enrolled a relay lock and needs one to unlock")
	fs.StringVar(&qrFile, "qr-file", "", "Path to the JSON payload link-device-qr printed, or '-' for stdin (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("account", accountID); err != nil {
		return err
	}
	if err := requireFlag("device-secret", deviceSecretHex); err != nil {
		return err
	}
	if err := requireFlag("qr-file", qrFile); err != nil {
		return err
	}
	clientUnlockExponent, err := parseExponentPair(clientUnlockExponentHex)
	if err != nil {
		return err
	}

	raw, err := readQRPayload(qrFile)
	if err != nil {
		return err
	}
	var qr orchestrator.QRPayload
	if err := json.Unmarshal(raw, &qr); err != nil {
		return fmt.Errorf("decode qr payload: %w", err)
	}

	auth, err := demoAuthFor(deviceSecretHex)
	if err != nil {
		return err
	}
	core := env.buildCore(auth, relayLock)
	if _, err := core.Login(ctx, accountID, clientUnlockExponent); err != nil {
		return fmt.Errorf("unlock account before linking a device: %w", err)
	}

	result, err := core.LinkDeviceFromQR(ctx, accountID, qr)
	if err != nil {
		return err
	}
	fmt.Printf("Linked device2PublicKey=%s to %s\n", result.Device2PublicKey, result.LinkedToAccount)
	fmt.Println("Device2 must persist its new key and confirm before the cleanup window closes.")
	fmt.Println("Press Enter once Device2 has confirmed out of band, to stand down the cleanup; otherwise this process keeps running until the dead-man's switch revokes the key.")

	// ConfirmDeviceLink only affects the pendingCleanup entry held in this
	// process's own Core, so the confirmation step has to happen here rather
	// than in a separate CLI invocation — the cron-scheduled cleanup runs
	// in-memory and does not survive a process boundary.
	line := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(line)
	}()
	select {
	case <-line:
		core.ConfirmDeviceLink(accountID, result.Device2PublicKey)
		fmt.Println("Confirmed; the dead-man's switch will stand down on its next poll.")
	case <-time.After(env.cfg.DeviceLinkDeadManWindow + env.cfg.DeviceLinkPollInterval):
		fmt.Println("Dead-man's-switch window elapsed without confirmation; the DeleteKey transaction should now be broadcasting.")
	}
	return nil
}

func runRelayServer(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("relay-server")
	var addr string
	fs.StringVar(&addr, "addr", ":8090", "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rlCfg := ratelimit.Config{}
	if env.cfg.RateLimitEnabled && env.cfg.RateLimitWindow > 0 {
		rlCfg.RequestsPerSecond = float64(env.cfg.RateLimitRequests) / env.cfg.RateLimitWindow.Seconds()
	}
	srv := relay.NewServer(relay.ServerConfig{
		JWTSecret:   env.cfg.RelayJWTSecret,
		JWTAudience: env.cfg.RelayJWTAudience,
		CORS:        relay.CORSConfig{AllowedOrigins: env.cfg.CORSOrigins},
		RateLimit:   rlCfg,
	}, env.logger, env.metrics)

	fmt.Printf("relay server listening on %s\n", addr)
	return srv.Serve(ctx, addr)
}

func readQRPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
