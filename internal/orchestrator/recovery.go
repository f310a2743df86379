package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/keymanager"
	"github.com/web3-authn/tatchi-sub013/internal/storage"
)

// recoveryContractFor returns the deployed account hosting get_credential_ids_by_account.
// In the reference deployment the contract lives at the account itself
// (accountID == contractID), matching NEAR's convention of named accounts
// doubling as their own contracts.
func recoveryContractFor(accountID string) string { return accountID }

// DiscoverCredentials implements spec §8 scenario 1's Discover phase: it
// queries the on-chain contract for every credential ID registered to
// accountID without touching PRF, so the caller can offer the user a choice
// before the Recover phase's dual-PRF harvest.
func (c *Core) DiscoverCredentials(ctx context.Context, accountID string) ([]CredentialSummary, error) {
	if accountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}

	result, err := c.chain.View(ctx, recoveryContractFor(accountID), "get_credential_ids_by_account",
		map[string]interface{}{"account_id": accountID})
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(result.Result, &ids); err != nil {
		return nil, pkerrors.InputValidation("get_credential_ids_by_account result", err.Error())
	}

	summaries := make([]CredentialSummary, len(ids))
	for i, id := range ids {
		summaries[i] = CredentialSummary{CredentialID: id, DisplayName: id}
	}
	return summaries, nil
}

// Recover implements spec §8 scenario 1's Recover phase: deterministic,
// idempotent re-derivation of the Ed25519 keypair from a fresh dual-PRF
// assertion restricted to the chosen credential, verified against the
// access key the chain actually has on file before anything is persisted
// (spec §8 scenario 2's replay-rejection guarantee extends here: a stale or
// forged assertion simply fails ViewAccessKey's comparison and never
// reaches storage).
func (c *Core) Recover(ctx context.Context, accountID, credentialID string) (*RecoverResult, error) {
	if accountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}
	if credentialID == "" {
		return nil, pkerrors.MissingParameter("credentialId")
	}

	cred, err := c.auth.Get(ctx, GetOptions{AccountID: accountID, RPID: c.rpid, CredentialID: credentialID})
	if err != nil {
		return nil, err
	}
	if len(cred.PrfA) == 0 {
		return nil, pkerrors.PrfMissing("prfA")
	}
	if len(cred.PrfB) == 0 {
		return nil, pkerrors.PrfMissing("prfB")
	}

	out, err := c.km.RecoverKeypair(ctx, keymanager.RecoverInput{
		AccountID: accountID,
		PrfA:      cred.PrfA,
		PrfB:      cred.PrfB,
	})
	if err != nil {
		return nil, err
	}

	access, err := c.chain.ViewAccessKey(ctx, accountID, out.Ed25519PublicKey)
	if err != nil {
		return nil, pkerrors.AccountMismatch(accountID)
	}
	if access.Permission == "" {
		return nil, pkerrors.AccountMismatch(accountID)
	}

	if err := c.syncRecoveredState(ctx, accountID, credentialID, cred, out); err != nil {
		return nil, err
	}

	c.logEvent("recover.success", accountID)
	return &RecoverResult{AccountID: accountID, PublicKey: out.Ed25519PublicKey}, nil
}

// syncRecoveredState makes recovery idempotent: re-running it for the same
// account and credential updates the existing records in place instead of
// erroring or duplicating them.
func (c *Core) syncRecoveredState(ctx context.Context, accountID, credentialID string, cred *CredentialOutputs, out *keymanager.RecoverOutput) error {
	user, err := c.store.Users().Get(ctx, accountID)
	switch {
	case err == nil:
		user.Ed25519PublicKey = out.Ed25519PublicKey
		user.EncryptedEd25519Key = out.EncryptedEd25519Key
		if _, err := c.store.Users().Update(ctx, user); err != nil {
			return pkerrors.StaleRecord("update recovered user record: " + err.Error())
		}
	case errors.Is(err, storage.ErrNotFound):
		user = &storage.UserRecord{
			AccountID:           accountID,
			DeviceNumber:        1,
			Ed25519PublicKey:    out.Ed25519PublicKey,
			EncryptedEd25519Key: out.EncryptedEd25519Key,
			Preferences:         map[string]string{},
		}
		if _, err := c.store.Users().Create(ctx, user); err != nil {
			return pkerrors.StaleRecord("create recovered user record: " + err.Error())
		}
	default:
		return pkerrors.StaleRecord("load user record: " + err.Error())
	}

	if _, err := c.store.Authenticators().Get(ctx, credentialID); errors.Is(err, storage.ErrNotFound) {
		authRecord := &storage.AuthenticatorRecord{
			AccountID:           accountID,
			CredentialID:        credentialID,
			CredentialPublicKey: cred.CredentialPublicKey,
			Transports:          cred.Transports,
			DeviceNumber:        user.DeviceNumber,
		}
		if _, err := c.store.Authenticators().Create(ctx, authRecord); err != nil {
			return pkerrors.StaleRecord("create recovered authenticator record: " + err.Error())
		}
	}
	return nil
}
