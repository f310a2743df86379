package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
	"github.com/web3-authn/tatchi-sub013/internal/orchestrator"
)

// demoAuthenticator stands in for the platform WebAuthn bridge (spec §6's
// Authenticator) that a browser or native passkey provider would supply in
// production. It holds one local "device secret" per run and derives both
// PRF outputs from it with HKDF, the same construction the Key Manager
// itself uses to turn PRF bytes into key material, so registering and
// logging in against it re-derives the identical keys every time. This is
// demo-only scaffolding for exercising the orchestrator end-to-end without
// real hardware; it must never be linked into a deployment that talks to an
// actual authenticator.
type demoAuthenticator struct {
	deviceSecret []byte
}

func newDemoAuthenticator() (*demoAuthenticator, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate demo device secret: %w", err)
	}
	return &demoAuthenticator{deviceSecret: secret}, nil
}

// newDemoAuthenticatorFromSeed rebuilds a demoAuthenticator from a
// hex-encoded secret previously printed by `passkeyctl register`, so a
// later `passkeyctl login`/`recover` invocation in a fresh process can
// reproduce the same PRF outputs.
func newDemoAuthenticatorFromSeed(hexSeed string) (*demoAuthenticator, error) {
	secret, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("decode --device-secret: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("--device-secret must decode to 32 bytes, got %d", len(secret))
	}
	return &demoAuthenticator{deviceSecret: secret}, nil
}

func (d *demoAuthenticator) seedHex() string {
	return hex.EncodeToString(d.deviceSecret)
}

func (d *demoAuthenticator) credentialID(accountID string) string {
	return "demo-" + hex.EncodeToString(cryptoprim.SHA256([]byte(accountID+":credential")))[:16]
}

func (d *demoAuthenticator) derivePRF(accountID, label string) ([]byte, error) {
	return cryptoprim.HkdfSha256(d.deviceSecret, []byte(accountID), "passkeyctl-demo-prf-"+label, 32)
}

func (d *demoAuthenticator) outputs(accountID string) (*orchestrator.CredentialOutputs, error) {
	prfA, err := d.derivePRF(accountID, "a")
	if err != nil {
		return nil, err
	}
	prfB, err := d.derivePRF(accountID, "b")
	if err != nil {
		return nil, err
	}
	return &orchestrator.CredentialOutputs{
		CredentialID:        d.credentialID(accountID),
		CredentialPublicKey: []byte("demo-cose-key"),
		Transports:          []string{"internal"},
		PrfA:                prfA,
		PrfB:                prfB,
	}, nil
}

func (d *demoAuthenticator) Create(_ context.Context, opts orchestrator.CreateOptions) (*orchestrator.CredentialOutputs, error) {
	return d.outputs(opts.AccountID)
}

func (d *demoAuthenticator) Get(_ context.Context, opts orchestrator.GetOptions) (*orchestrator.CredentialOutputs, error) {
	return d.outputs(opts.AccountID)
}
